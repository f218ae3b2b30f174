package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"
)

// Wire serialization. Every frame on the websocket carries one CBOR-encoded
// message; encoding is core-deterministic so commitments and batch sizes are
// reproducible across runs.

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.BigIntConvert = cbor.BigIntConvertShortest
	if encMode, err = opts.EncMode(); err != nil {
		panic(err)
	}
	decOpts := cbor.DecOptions{MaxArrayElements: 1 << 20}
	if decMode, err = decOpts.DecMode(); err != nil {
		panic(err)
	}
}

// MarshalCBOR serializes v with the protocol's deterministic options.
func MarshalCBOR(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// UnmarshalCBOR deserializes data into v.
func UnmarshalCBOR(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// ClientMessageKind discriminates the two client request kinds.
type ClientMessageKind uint8

const (
	MsgGetNonceForAddress ClientMessageKind = iota + 1
	MsgSubmitProof
)

// ClientMessage is the envelope for client→server frames.
type ClientMessage struct {
	Kind        ClientMessageKind   `cbor:"kind"`
	Address     *common.Address     `cbor:"address,omitempty"`
	SubmitProof *SubmitProofMessage `cbor:"submit_proof,omitempty"`
}

// SubmitProofMessage carries nonced verification data and the EIP-712
// signature the submitter produced over it.
type SubmitProofMessage struct {
	VerificationData NoncedVerificationData `cbor:"verification_data"`
	Signature        []byte                 `cbor:"signature"`
}

func (m ClientMessage) String() string {
	switch m.Kind {
	case MsgGetNonceForAddress:
		return "GetNonceForAddress"
	case MsgSubmitProof:
		return "SubmitProof"
	default:
		return fmt.Sprintf("ClientMessageKind(%d)", uint8(m.Kind))
	}
}

// ResponseKind enumerates every server→client message.
type ResponseKind uint8

const (
	RespProtocolVersion ResponseKind = iota + 1
	RespNonce
	RespInvalidRequest
	RespEthRPCError
	RespBatchInclusion
	RespInvalidSignature
	RespInvalidNonce
	RespInvalidMaxFee
	RespInvalidChainID
	RespInvalidPaymentServiceAddress
	RespProofTooLarge
	RespInvalidProof
	RespInvalidReplacementMessage
	RespInsufficientBalance
	RespAddToBatchError
	RespBatchReset
	RespError
)

// ProofInvalidReason qualifies an InvalidProof rejection.
type ProofInvalidReason uint8

const (
	ReasonRejectedProof ProofInvalidReason = iota + 1
	ReasonDisabledVerifier
)

// BatchInclusionData is the receipt a submitter gets once its proof landed in
// a submitted batch: the Merkle path from its leaf to the batch root.
type BatchInclusionData struct {
	Commitment      VerificationDataCommitment `cbor:"verification_data_commitment"`
	BatchMerkleRoot [32]byte                   `cbor:"batch_merkle_root"`
	MerklePath      [][32]byte                 `cbor:"merkle_path"`
	IndexInBatch    uint64                     `cbor:"index_in_batch"`
}

// Response is the envelope for server→client frames. Exactly the fields
// relevant to Kind are populated.
type Response struct {
	Kind ResponseKind `cbor:"kind"`

	ProtocolVersion uint16              `cbor:"protocol_version,omitempty"`
	Nonce           *big.Int            `cbor:"nonce,omitempty"`
	Message         string              `cbor:"message,omitempty"`
	ProvingSystem   *ProvingSystemID    `cbor:"proving_system,omitempty"`
	Reason          *ProofInvalidReason `cbor:"reason,omitempty"`
	Address         *common.Address     `cbor:"address,omitempty"`
	WantAddress     *common.Address     `cbor:"want_address,omitempty"`
	BatchInclusion  *BatchInclusionData `cbor:"batch_inclusion,omitempty"`
}

func ProtocolVersionResponse() *Response {
	return &Response{Kind: RespProtocolVersion, ProtocolVersion: ExpectedProtocolVersion}
}

func NonceResponse(nonce *big.Int) *Response {
	return &Response{Kind: RespNonce, Nonce: nonce}
}

func InvalidRequestResponse(msg string) *Response {
	return &Response{Kind: RespInvalidRequest, Message: msg}
}

func EthRPCErrorResponse(msg string) *Response {
	return &Response{Kind: RespEthRPCError, Message: msg}
}

func InvalidPaymentServiceAddressResponse(got, want common.Address) *Response {
	return &Response{Kind: RespInvalidPaymentServiceAddress, Address: &got, WantAddress: &want}
}

func InvalidProofResponse(reason ProofInvalidReason, system ProvingSystemID) *Response {
	return &Response{Kind: RespInvalidProof, Reason: &reason, ProvingSystem: &system}
}

func InsufficientBalanceResponse(addr common.Address) *Response {
	return &Response{Kind: RespInsufficientBalance, Address: &addr}
}

func ErrorResponse(msg string) *Response {
	return &Response{Kind: RespError, Message: msg}
}

// ResponseSink is where server-initiated messages for a connection go.
// Writes serialize per sink; a closed sink returns an error and the caller
// decides whether that is fatal.
type ResponseSink interface {
	Send(resp *Response) error
	Close() error
}
