package types

// Protocol and fee constants shared by the gateway and its clients.
const (
	// ExpectedProtocolVersion is sent to every client right after the
	// websocket handshake completes.
	ExpectedProtocolVersion uint16 = 1

	// CBORArrayMaxOverhead is the maximum number of bytes the CBOR array
	// header can add when the batch entries are aggregated into one
	// serialized array (RFC 8949 §3.1). Batch sizes are over-estimated by
	// this constant so a full batch is never rejected by operators for
	// being a few bytes over the limit.
	CBORArrayMaxOverhead = 9

	// Gas accounting for createNewTask submissions.
	DefaultAggregatorGasCost          uint64 = 330_000
	BatcherSubmissionBaseGasCost      uint64 = 125_000
	AdditionalSubmissionGasCostPerProof uint64 = 2_000

	// Percentage modifiers, all over PercentageDivider (100% is x1).
	RespondToTaskFeeLimitMultiplier uint64 = 250
	DefaultAggregatorFeeMultiplier  uint64 = 125
	GasPriceMultiplier              uint64 = 110
	OverrideGasPriceMultiplier      uint64 = 120
	PercentageDivider               uint64 = 100
)

// DefaultMaxFeePerProof is the fee bid assigned to submissions from the
// configured non-paying principal: 2 000 gas per proof at a 100 gwei gas
// price upper bound.
const DefaultMaxFeePerProof uint64 = AdditionalSubmissionGasCostPerProof * 100_000_000_000
