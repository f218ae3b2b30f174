package batcher

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/DanDo385/zkbatcher/internal/queue"
	"github.com/DanDo385/zkbatcher/internal/types"
)

// handleReplacementMessage processes a submission whose nonce is already in
// the queue: a valid one raises the fee bid of the existing entry in place.
// Caller holds b.mu; this function unlocks on every path.
func (b *Batcher) handleReplacementMessage(msg *types.SubmitProofMessage, addr common.Address, sink types.ResponseSink) {
	nvd := msg.VerificationData
	nonce := nvd.Nonce
	replacementMaxFee := nvd.MaxFee

	old, ok := b.state.GetEntry(addr, nonce)
	if !ok {
		b.mu.Unlock()
		b.log.Warn().Stringer("address", addr).Str("nonce", nonce.String()).
			Msg("replacement for a nonce that is not queued")
		b.metrics.UserError("invalid_nonce", "")
		b.sendTo(sink, &types.Response{Kind: types.RespInvalidNonce})
		return
	}

	oldMaxFee := old.Data.MaxFee
	if replacementMaxFee.Cmp(oldMaxFee) <= 0 {
		b.mu.Unlock()
		b.log.Warn().Stringer("address", addr).
			Str("old_fee", oldMaxFee.String()).Str("new_fee", replacementMaxFee.String()).
			Msg("replacement does not raise the fee")
		b.metrics.UserError("invalid_replacement_message", "")
		b.sendTo(sink, &types.Response{Kind: types.RespInvalidReplacementMessage})
		return
	}

	b.log.Info().Stringer("address", addr).Str("nonce", nonce.String()).
		Str("max_fee", replacementMaxFee.String()).Msg("replacing queued entry")

	// The superseded connection is done; drop it so the client knows.
	if old.Sink != nil && old.Sink != sink {
		if err := old.Sink.Close(); err != nil {
			b.log.Warn().Err(err).Msg("error closing superseded sink")
		}
	}

	commitment := types.NewCommitment(&nvd.VerificationData)
	replacement, err := queue.NewEntry(nvd, commitment, sink, msg.Signature, addr)
	if err != nil {
		b.mu.Unlock()
		b.metrics.UserError("add_to_batch_error", "")
		b.sendTo(sink, &types.Response{Kind: types.RespAddToBatchError})
		return
	}

	// Equality is (sender, nonce): removing by the replacement's identity
	// removes the old entry.
	b.state.Queue.Remove(addr, nonce)
	b.state.Queue.Push(replacement, queue.Priority{MaxFee: replacementMaxFee, Nonce: nonce})

	// The raised bid may have been the minimum; recompute the fee limit
	// from what is actually queued.
	newLimit := b.state.MinFeeInBatch(addr)
	if !b.state.UpdateUserMaxFeeLimit(addr, newLimit) {
		b.mu.Unlock()
		b.log.Error().Stringer("address", addr).Msg("user missing from ledger during replacement")
		b.sendTo(sink, &types.Response{Kind: types.RespAddToBatchError})
		return
	}
	if !b.state.ApplyReplacementFeeDelta(addr, oldMaxFee, replacementMaxFee) {
		b.mu.Unlock()
		b.log.Error().Stringer("address", addr).Msg("user missing from ledger during replacement")
		b.sendTo(sink, &types.Response{Kind: types.RespAddToBatchError})
		return
	}

	b.metrics.UpdateQueueMetrics(b.state.Queue.Len(), b.state.Queue.BatchBytes())
	b.mu.Unlock()
}
