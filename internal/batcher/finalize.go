package batcher

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/DanDo385/zkbatcher/internal/chain"
	"github.com/DanDo385/zkbatcher/internal/merkle"
	"github.com/DanDo385/zkbatcher/internal/queue"
	"github.com/DanDo385/zkbatcher/internal/retry"
	"github.com/DanDo385/zkbatcher/internal/state"
	"github.com/DanDo385/zkbatcher/internal/types"
)

// HandleNewBlock checks submission conditions on every block tick and, when
// a feasible batch exists, drives the full submission lifecycle.
func (b *Batcher) HandleNewBlock(ctx context.Context, blockNumber uint64) error {
	gasPrice, err := b.chain.GetGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("get gas price: %w", err)
	}
	disabled, err := b.chain.GetDisabledVerifiers(ctx)
	if err != nil {
		return fmt.Errorf("get disabled verifiers: %w", err)
	}

	b.disabledMu.Lock()
	changed := disabled.Cmp(b.disabledVerifiers) != 0
	if changed {
		b.disabledVerifiers = new(big.Int).Set(disabled)
	}
	b.disabledMu.Unlock()
	if changed {
		// Queued proofs may no longer be verifiable; drop them all.
		b.log.Warn().Str("bitmap", disabled.String()).Msg("disabled verifiers changed, resetting queue")
		b.flushQueueAndClearNonceCache(ctx)
	}

	// Submit a notch above the network price so the batch is not stuck
	// behind a small price move.
	modifiedGasPrice := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(types.GasPriceMultiplier))
	modifiedGasPrice.Div(modifiedGasPrice, new(big.Int).SetUint64(types.PercentageDivider))

	finalized := b.isBatchReady(blockNumber, modifiedGasPrice)
	if finalized == nil {
		return nil
	}

	err = b.finalizeBatch(ctx, blockNumber, finalized, modifiedGasPrice)

	b.postingMu.Lock()
	b.posting = false
	b.postingMu.Unlock()

	return err
}

// isBatchReady gates submission on queue occupancy, block interval and the
// in-flight guard, then runs the feasibility peel on a queue snapshot. A
// non-nil result means the caller owns the posting flag.
func (b *Batcher) isBatchReady(blockNumber uint64, gasPrice *big.Int) []*queue.Entry {
	b.mu.Lock()

	if b.state.Queue.Len() == 0 {
		b.mu.Unlock()
		return nil
	}

	b.lastUploadedMu.Lock()
	tooSoon := blockNumber < b.lastUploadedBlock+b.cfg.BlockInterval
	lastUploaded := b.lastUploadedBlock
	b.lastUploadedMu.Unlock()
	if tooSoon {
		b.log.Info().Uint64("block", blockNumber).Uint64("last_uploaded", lastUploaded).
			Msg("batch not ready, block interval not reached")
		b.mu.Unlock()
		return nil
	}

	b.postingMu.Lock()
	if b.posting {
		b.postingMu.Unlock()
		b.mu.Unlock()
		b.log.Info().Msg("a batch is already being posted")
		return nil
	}
	b.posting = true
	b.postingMu.Unlock()

	snapshot := b.state.Queue.Clone()
	b.mu.Unlock()

	finalized, err := queue.TryBuildBatch(snapshot, gasPrice, b.cfg.MaxBatchByteSize, b.cfg.MaxBatchProofQty, b.constantGasCost())
	if err != nil {
		b.postingMu.Lock()
		b.posting = false
		b.postingMu.Unlock()
		if errors.Is(err, queue.ErrBatchCostTooHigh) {
			b.log.Info().Msg("no working batch found, waiting for more proofs")
		} else {
			b.log.Error().Err(err).Msg("unexpected error building batch")
		}
		return nil
	}
	return finalized
}

// finalizeBatch serializes the selected entries, commits to them with a
// Merkle tree, submits on-chain, and on success removes them from the queue
// and returns inclusion proofs to their submitters.
func (b *Batcher) finalizeBatch(ctx context.Context, blockNumber uint64, finalized []*queue.Entry, gasPrice *big.Int) error {
	batchData := make([]types.VerificationData, 0, len(finalized))
	leaves := make([][32]byte, 0, len(finalized))
	for _, entry := range finalized {
		batchData = append(batchData, entry.Data.VerificationData)
		leaves = append(leaves, entry.Commitment.Leaf())
	}

	batchBytes, err := types.MarshalCBOR(batchData)
	if err != nil {
		return fmt.Errorf("serialize batch: %w", err)
	}

	tree, err := merkle.Build(leaves)
	if err != nil {
		return fmt.Errorf("build merkle tree: %w", err)
	}
	rootHex := hex.EncodeToString(tree.Root[:])
	b.log.Info().Int("proofs", len(finalized)).Str("merkle_root", rootHex).Msg("finalizing batch")

	b.lastUploadedMu.Lock()
	b.lastUploadedBlock = blockNumber
	b.lastUploadedMu.Unlock()

	b.telemetry.InitTaskTrace(ctx, rootHex)

	if err := b.submitBatch(ctx, batchBytes, tree.Root, rootHex, finalized, gasPrice); err != nil {
		b.telemetry.TaskCreationFailed(ctx, rootHex, err)
		if errors.Is(err, chain.ErrSubmissionInsufficientBalance) {
			b.flushQueueAndClearNonceCache(ctx)
		}
		return err
	}

	if err := b.removeProofsFromQueue(finalized); err != nil {
		b.log.Error().Err(err).Msg("unexpected error while updating queue")
	}

	b.sendBatchInclusionResponses(finalized, tree)
	return nil
}

// submitBatch uploads the serialized batch and creates the on-chain task.
func (b *Batcher) submitBatch(ctx context.Context, batchBytes []byte, root [32]byte, rootHex string, finalized []*queue.Entry, gasPrice *big.Int) error {
	fileName := rootHex + ".json"
	dataPointer := b.downloadEndpoint + "/" + fileName

	numProofs := len(finalized)
	feePerProof := queue.FeePerProof(numProofs, gasPrice, b.constantGasCost())

	feeForAggregator := new(big.Int).SetUint64(b.cfg.AggregatorGasCost)
	feeForAggregator.Mul(feeForAggregator, gasPrice)
	feeForAggregator.Mul(feeForAggregator, new(big.Int).SetUint64(b.cfg.AggregatorFeeMultiplier))
	feeForAggregator.Div(feeForAggregator, new(big.Int).SetUint64(types.PercentageDivider))

	respondToTaskFeeLimit := new(big.Int).Mul(feeForAggregator, new(big.Int).SetUint64(types.RespondToTaskFeeLimitMultiplier))
	respondToTaskFeeLimit.Div(respondToTaskFeeLimit, new(big.Int).SetUint64(types.PercentageDivider))

	fees := chain.FeeParams{
		FeeForAggregator:      feeForAggregator,
		FeePerProof:           feePerProof,
		GasPrice:              gasPrice,
		RespondToTaskFeeLimit: respondToTaskFeeLimit,
	}

	submitters := make([]common.Address, 0, numProofs)
	for _, entry := range finalized {
		submitters = append(submitters, entry.Sender)
	}

	// A submission that would revert is rejected here, before any gas or
	// storage is spent.
	if err := b.chain.SimulateCreateNewTask(ctx, root, dataPointer, submitters, fees); err != nil {
		return err
	}

	gasPriceF, _ := new(big.Float).SetInt(gasPrice).Float64()
	b.metrics.GasPriceLatestBatch.Set(gasPriceF)

	uploadStart := time.Now()
	err := retry.DoVoid(ctx, retry.EthCall, func() error {
		return b.uploader.Upload(ctx, fileName, batchBytes)
	})
	b.metrics.S3Duration.Set(float64(time.Since(uploadStart).Microseconds()))
	if err != nil {
		return fmt.Errorf("upload batch: %w", err)
	}
	b.telemetry.TaskUploadedToS3(ctx, rootHex)
	b.telemetry.TaskCreated(ctx, rootHex, feePerProof.String(), numProofs)

	createStart := time.Now()
	receipt, err := b.chain.CreateNewTask(ctx, root, dataPointer, submitters, fees)
	b.metrics.CreateTaskDuration.Set(float64(time.Since(createStart).Milliseconds()))
	b.metrics.CancelTaskDuration.Set(0)

	if err == nil {
		b.log.Info().Str("merkle_root", rootHex).Msg("batch verification task created")
		b.telemetry.TaskSent(ctx, rootHex, receipt.TxHash.Hex())
		b.metrics.SentBatches.Inc()
		b.metrics.GasCostCreateTask.Add(chain.GasCostInEth(receipt))
		return nil
	}

	if errors.Is(err, chain.ErrReceiptNotFound) {
		b.metrics.CanceledBatches.Inc()
		b.cancelCreateNewTask(ctx, gasPrice)
		return err
	}

	b.log.Error().Err(err).Msg("failed to send batch to contract")
	b.metrics.RevertedBatches.Inc()
	return err
}

// cancelCreateNewTask replaces the stuck submission, bumping the fee until
// the replacement lands.
func (b *Batcher) cancelCreateNewTask(ctx context.Context, oldGasPrice *big.Int) {
	b.log.Info().Msg("cancelling createNewTask transaction")
	start := time.Now()
	receipt, err := b.chain.CancelCreateNewTask(ctx, oldGasPrice)
	b.metrics.CancelTaskDuration.Set(float64(time.Since(start).Milliseconds()))
	if err != nil {
		b.log.Error().Err(err).Msg("could not cancel createNewTask transaction")
		return
	}
	b.log.Info().Msg("createNewTask transaction successfully canceled")
	b.metrics.GasCostCancelTask.Add(chain.GasCostInEth(receipt))
}

// removeProofsFromQueue drops the submitted entries and rebuilds every
// affected ledger row from the residual queue. Called only after the
// submission is confirmed on-chain.
func (b *Batcher) removeProofsFromQueue(finalized []*queue.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, entry := range finalized {
		if _, ok := b.state.Queue.Remove(entry.Sender, entry.Data.Nonce); !ok {
			b.log.Error().Stringer("address", entry.Sender).Str("nonce", entry.Data.Nonce.String()).
				Msg("submitted proof was not in the queue")
		}
	}

	aggregates := b.state.NewUserStatesData()
	for addr := range b.state.UserStates {
		agg, ok := aggregates[addr]
		if !ok {
			agg = state.EmptyUserStateData()
		}
		if !b.state.UpdateUserProofCount(addr, agg.ProofCount) ||
			!b.state.UpdateUserMaxFeeLimit(addr, agg.MinFeeLimit) ||
			!b.state.UpdateUserTotalFeesInQueue(addr, agg.TotalFeesInQueue) {
			return fmt.Errorf("could not rebuild ledger for %s", addr)
		}
	}

	b.metrics.UpdateQueueMetrics(b.state.Queue.Len(), b.state.Queue.BatchBytes())
	return nil
}

// sendBatchInclusionResponses returns each submitter its Merkle path. The
// leaf order is the order of the finalized slice.
func (b *Batcher) sendBatchInclusionResponses(finalized []*queue.Entry, tree *merkle.Tree) {
	for i, entry := range finalized {
		path, err := tree.Proof(i)
		if err != nil {
			b.log.Error().Err(err).Int("index", i).Msg("failed to generate inclusion proof")
			continue
		}
		resp := &types.Response{
			Kind: types.RespBatchInclusion,
			BatchInclusion: &types.BatchInclusionData{
				Commitment:      entry.Commitment,
				BatchMerkleRoot: tree.Root,
				MerklePath:      path,
				IndexInBatch:    uint64(i),
			},
		}
		b.sendTo(entry.Sink, resp)
	}
}

// flushQueueAndClearNonceCache is the catastrophic reset: every attached
// sink gets a BatchReset, the queue and ledger are emptied, and the
// non-paying replacement row is re-seeded from the chain.
func (b *Batcher) flushQueueAndClearNonceCache(ctx context.Context) {
	b.log.Warn().Msg("resetting state, flushing queue and nonce cache")
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, entry := range b.state.Queue.Entries() {
		b.sendTo(entry.Sink, &types.Response{Kind: types.RespBatchReset})
	}

	b.state.Queue.Clear()
	b.state.UserStates = make(map[common.Address]*state.UserState)

	if b.nonPayingReplacement != nil {
		nonce, err := b.chain.GetUserNonce(ctx, b.nonPayingReplacement.Address)
		if err != nil {
			b.log.Error().Err(err).Msg("could not re-seed non-paying nonce after flush")
		} else {
			b.state.UserStates[b.nonPayingReplacement.Address] = state.NewUserState(nonce)
		}
	}

	b.metrics.UpdateQueueMetrics(0, 0)
}
