// Package fetcher scans the service manager's NewBatch events. The gateway
// uses it at boot to recover the block of the last submitted batch, and the
// aggregation tooling uses it to pull historical batches back out of the
// object store.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/DanDo385/zkbatcher/internal/chain"
	"github.com/DanDo385/zkbatcher/internal/types"
)

// LogFilterer is the slice of the chain adapter the fetcher needs.
type LogFilterer interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	GetBlockNumber(ctx context.Context) (uint64, error)
}

// NewBatchEvent is one decoded NewBatch log.
type NewBatchEvent struct {
	BatchMerkleRoot  [32]byte
	SenderAddress    common.Address
	TaskCreatedBlock uint32
	BatchDataPointer string
	BlockNumber      uint64
}

func decodeNewBatchLog(l gethtypes.Log) (*NewBatchEvent, error) {
	if len(l.Topics) < 2 {
		return nil, fmt.Errorf("fetcher: NewBatch log missing indexed root")
	}
	var ev struct {
		SenderAddress         common.Address
		TaskCreatedBlock      uint32
		BatchDataPointer      string
		RespondToTaskFeeLimit *big.Int
	}
	if err := chain.ServiceManagerABI().UnpackIntoInterface(&ev, "NewBatch", l.Data); err != nil {
		return nil, fmt.Errorf("fetcher: decode NewBatch log: %w", err)
	}
	out := &NewBatchEvent{
		SenderAddress:    ev.SenderAddress,
		TaskCreatedBlock: ev.TaskCreatedBlock,
		BatchDataPointer: ev.BatchDataPointer,
		BlockNumber:      l.BlockNumber,
	}
	copy(out.BatchMerkleRoot[:], l.Topics[1].Bytes())
	return out, nil
}

func filterNewBatches(ctx context.Context, client LogFilterer, serviceManager common.Address, from, to uint64) ([]*NewBatchEvent, error) {
	logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{serviceManager},
		Topics:    [][]common.Hash{{chain.NewBatchEventID()}},
	})
	if err != nil {
		return nil, err
	}
	events := make([]*NewBatchEvent, 0, len(logs))
	for _, l := range logs {
		ev, err := decodeNewBatchLog(l)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// LatestBatchBlock finds the block of the most recent batch submission
// within lookback blocks of the head. The second return is false when no
// batch was found in the window; callers then fall back to the head itself.
func LatestBatchBlock(ctx context.Context, client LogFilterer, serviceManager common.Address, lookback uint64) (uint64, bool, error) {
	head, err := client.GetBlockNumber(ctx)
	if err != nil {
		return 0, false, err
	}
	from := uint64(0)
	if head > lookback {
		from = head - lookback
	}
	events, err := filterNewBatches(ctx, client, serviceManager, from, head)
	if err != nil {
		return 0, false, err
	}
	if len(events) == 0 {
		return head, false, nil
	}
	return events[len(events)-1].BlockNumber, true, nil
}

// SP1Proof is one SP1 submission recovered from a historical batch.
type SP1Proof struct {
	Proof         []byte
	VMProgramCode []byte
}

// Fetcher walks NewBatch events forward from a starting block and pulls the
// SP1 proofs out of each referenced batch object.
type Fetcher struct {
	client              LogFilterer
	serviceManager      common.Address
	download            *http.Client
	lastAggregatedBlock uint64
	log                 zerolog.Logger
}

func New(client LogFilterer, serviceManager common.Address, lastAggregatedBlock uint64, log zerolog.Logger) *Fetcher {
	return &Fetcher{
		client:              client,
		serviceManager:      serviceManager,
		download:            &http.Client{Timeout: 30 * time.Second},
		lastAggregatedBlock: lastAggregatedBlock,
		log:                 log.With().Str("component", "fetcher").Logger(),
	}
}

// Fetch scans from the last aggregated block to the current head and
// returns every SP1 proof found in the batches submitted in that range.
// Batches whose object cannot be downloaded are skipped, not fatal.
func (f *Fetcher) Fetch(ctx context.Context) ([]SP1Proof, error) {
	head, err := f.client.GetBlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetcher: get block number: %w", err)
	}
	if head < f.lastAggregatedBlock {
		return nil, fmt.Errorf("fetcher: head %d behind last aggregated block %d", head, f.lastAggregatedBlock)
	}

	f.log.Info().Uint64("from", f.lastAggregatedBlock).Uint64("to", head).Msg("scanning batch logs")
	events, err := filterNewBatches(ctx, f.client, f.serviceManager, f.lastAggregatedBlock, head)
	if err != nil {
		return nil, fmt.Errorf("fetcher: get logs: %w", err)
	}
	f.lastAggregatedBlock = head

	var proofs []SP1Proof
	for _, ev := range events {
		batch, err := f.downloadBatch(ctx, ev.BatchDataPointer)
		if err != nil {
			f.log.Error().Err(err).Str("pointer", ev.BatchDataPointer).Msg("failed to download batch")
			continue
		}
		for _, vd := range batch {
			if vd.ProvingSystem != types.SP1 || len(vd.VMProgramCode) == 0 {
				continue
			}
			proofs = append(proofs, SP1Proof{Proof: vd.Proof, VMProgramCode: vd.VMProgramCode})
		}
	}
	return proofs, nil
}

func (f *Fetcher) downloadBatch(ctx context.Context, pointer string) ([]types.VerificationData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pointer, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.download.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: HTTP %d", pointer, resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var batch []types.VerificationData
	if err := types.UnmarshalCBOR(raw, &batch); err != nil {
		return nil, err
	}
	return batch, nil
}
