// Package batcher is the gateway core: it validates and enqueues client
// submissions, keeps the per-user ledger synchronized with on-chain state,
// and on block ticks selects, commits and submits feasible batches.
package batcher

import (
	"context"
	"math"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/DanDo385/zkbatcher/internal/chain"
	"github.com/DanDo385/zkbatcher/internal/config"
	"github.com/DanDo385/zkbatcher/internal/metrics"
	"github.com/DanDo385/zkbatcher/internal/retry"
	"github.com/DanDo385/zkbatcher/internal/state"
	"github.com/DanDo385/zkbatcher/internal/telemetry"
	"github.com/DanDo385/zkbatcher/internal/types"
	"github.com/DanDo385/zkbatcher/internal/verifier"
)

// ChainService is what the batcher asks of the chain adapter.
type ChainService interface {
	ChainID() *big.Int
	PaymentServiceAddress() common.Address
	GetGasPrice(ctx context.Context) (*big.Int, error)
	GetUserNonce(ctx context.Context, addr common.Address) (*big.Int, error)
	GetUserBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	UserBalanceIsUnlocked(ctx context.Context, addr common.Address) (bool, error)
	GetDisabledVerifiers(ctx context.Context) (*big.Int, error)
	SimulateCreateNewTask(ctx context.Context, root [32]byte, dataPointer string, submitters []common.Address, fees chain.FeeParams) error
	CreateNewTask(ctx context.Context, root [32]byte, dataPointer string, submitters []common.Address, fees chain.FeeParams) (*gethtypes.Receipt, error)
	CancelCreateNewTask(ctx context.Context, previousGasPrice *big.Int) (*gethtypes.Receipt, error)
	ListenNewBlocks(ctx context.Context, handler func(blockNumber uint64)) error
}

// Uploader puts one serialized batch into the object store.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte) error
}

// Batcher is the concurrent state machine at the center of the gateway.
type Batcher struct {
	cfg              config.BatcherConfig
	downloadEndpoint string

	chain     ChainService
	uploader  Uploader
	telemetry *telemetry.Sender
	metrics   *metrics.Metrics
	verifiers *verifier.Registry
	log       zerolog.Logger

	chainID            *big.Int
	paymentServiceAddr common.Address

	// mu guards state: held across admission steps 8-11 plus enqueue, and
	// across every queue mutation in the finalizer.
	mu    sync.Mutex
	state *state.BatchState

	lastUploadedMu    sync.Mutex
	lastUploadedBlock uint64

	postingMu sync.Mutex
	posting   bool

	disabledMu        sync.Mutex
	disabledVerifiers *big.Int

	nonPayingAddr        *common.Address
	nonPayingReplacement *config.Signer
}

// Params wires a batcher together.
type Params struct {
	Config           config.BatcherConfig
	DownloadEndpoint string
	Chain            ChainService
	Uploader         Uploader
	Telemetry        *telemetry.Sender
	Metrics          *metrics.Metrics
	Verifiers        *verifier.Registry

	// LastUploadedBlock is recovered at boot from NewBatch logs.
	LastUploadedBlock    uint64
	DisabledVerifiers    *big.Int
	NonPayingAddr        *common.Address
	NonPayingReplacement *config.Signer

	Log zerolog.Logger
}

// New builds the batcher and, when a non-paying principal is configured,
// pre-populates the ledger with the replacement account's chain nonce.
func New(ctx context.Context, p Params) (*Batcher, error) {
	b := &Batcher{
		cfg:                  p.Config,
		downloadEndpoint:     p.DownloadEndpoint,
		chain:                p.Chain,
		uploader:             p.Uploader,
		telemetry:            p.Telemetry,
		metrics:              p.Metrics,
		verifiers:            p.Verifiers,
		log:                  p.Log.With().Str("component", "batcher").Logger(),
		chainID:              p.Chain.ChainID(),
		paymentServiceAddr:   p.Chain.PaymentServiceAddress(),
		state:                state.NewBatchState(),
		lastUploadedBlock:    p.LastUploadedBlock,
		disabledVerifiers:    p.DisabledVerifiers,
		nonPayingAddr:        p.NonPayingAddr,
		nonPayingReplacement: p.NonPayingReplacement,
	}
	if b.disabledVerifiers == nil {
		b.disabledVerifiers = big.NewInt(0)
	}

	if b.nonPayingReplacement != nil {
		nonce, err := b.chain.GetUserNonce(ctx, b.nonPayingReplacement.Address)
		if err != nil {
			return nil, err
		}
		b.state.UserStates[b.nonPayingReplacement.Address] = state.NewUserState(nonce)
		b.log.Warn().
			Stringer("non_paying", b.nonPayingAddr).
			Stringer("replacement", b.nonPayingReplacement.Address).
			Msg("non-paying principal configured; submissions will be re-signed")
	}
	return b, nil
}

// Run drives the new-block subscription until ctx is canceled, re-dialing
// with backoff whenever both streams die.
func (b *Batcher) Run(ctx context.Context) error {
	p := retry.EthCall
	p.MaxRetries = math.MaxUint32
	return retry.DoVoid(ctx, p, func() error {
		err := b.chain.ListenNewBlocks(ctx, func(blockNumber uint64) {
			if err := b.HandleNewBlock(ctx, blockNumber); err != nil {
				b.log.Error().Err(err).Uint64("block", blockNumber).Msg("error handling new block")
			}
		})
		if ctx.Err() != nil {
			return retry.Permanent(ctx.Err())
		}
		b.log.Warn().Err(err).Msg("block subscription lost, reconnecting")
		return err
	})
}

func (b *Batcher) isNonPaying(addr common.Address) bool {
	return b.nonPayingAddr != nil && *b.nonPayingAddr == addr
}

func (b *Batcher) constantGasCost() uint64 {
	return b.cfg.AggregatorFeeMultiplier*b.cfg.AggregatorGasCost/types.PercentageDivider +
		types.BatcherSubmissionBaseGasCost
}

func (b *Batcher) isVerifierDisabled(system types.ProvingSystemID) bool {
	b.disabledMu.Lock()
	defer b.disabledMu.Unlock()
	return verifier.IsDisabled(b.disabledVerifiers, system)
}

// sendTo is a best-effort response write; a dead sink is the client's loss.
func (b *Batcher) sendTo(sink types.ResponseSink, resp *types.Response) {
	if sink == nil {
		return
	}
	if err := sink.Send(resp); err != nil {
		b.log.Debug().Err(err).Msg("failed to send response to client")
	}
}
