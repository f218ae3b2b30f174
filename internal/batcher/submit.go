package batcher

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/DanDo385/zkbatcher/internal/queue"
	"github.com/DanDo385/zkbatcher/internal/state"
	"github.com/DanDo385/zkbatcher/internal/types"
)

// HandleMessage is the entry point for every deserialized client frame.
func (b *Batcher) HandleMessage(ctx context.Context, raw []byte, sink types.ResponseSink) {
	var msg types.ClientMessage
	if err := types.UnmarshalCBOR(raw, &msg); err != nil {
		b.log.Warn().Err(err).Msg("failed to deserialize client message")
		b.metrics.UserError("deserialize_error", "")
		b.sendTo(sink, types.InvalidRequestResponse("malformed message"))
		return
	}
	b.log.Info().Stringer("type", msg).Msg("received client message")

	switch msg.Kind {
	case types.MsgGetNonceForAddress:
		if msg.Address == nil {
			b.metrics.UserError("invalid_request", "")
			b.sendTo(sink, types.InvalidRequestResponse("missing address"))
			return
		}
		b.handleGetNonceForAddress(ctx, *msg.Address, sink)
	case types.MsgSubmitProof:
		if msg.SubmitProof == nil {
			b.metrics.UserError("invalid_request", "")
			b.sendTo(sink, types.InvalidRequestResponse("missing submit proof payload"))
			return
		}
		b.handleSubmitProof(ctx, msg.SubmitProof, sink)
	default:
		b.metrics.UserError("unknown_message_kind", "")
		b.sendTo(sink, types.InvalidRequestResponse("unknown message kind"))
	}
}

func (b *Batcher) handleGetNonceForAddress(ctx context.Context, addr common.Address, sink types.ResponseSink) {
	if b.isNonPaying(addr) {
		if b.nonPayingReplacement == nil {
			b.sendTo(sink, types.InvalidRequestResponse("no non-paying configuration loaded"))
			return
		}
		addr = b.nonPayingReplacement.Address
	}

	b.mu.Lock()
	cached, ok := b.state.GetUserNonce(addr)
	if ok {
		cached = new(big.Int).Set(cached)
	}
	b.mu.Unlock()

	nonce := cached
	if !ok {
		fetched, err := b.chain.GetUserNonce(ctx, addr)
		if err != nil {
			b.log.Error().Err(err).Stringer("address", addr).Msg("failed to get user nonce")
			b.metrics.UserError("eth_rpc_error", "")
			b.sendTo(sink, types.EthRPCErrorResponse("could not read user nonce"))
			return
		}
		nonce = fetched
	}
	b.sendTo(sink, types.NonceResponse(nonce))
}

// handleSubmitProof runs the admission pipeline in its fixed order; the
// first failure responds and ends handling.
func (b *Batcher) handleSubmitProof(ctx context.Context, msg *types.SubmitProofMessage, sink types.ResponseSink) {
	b.metrics.ReceivedProofs.Inc()
	nvd := msg.VerificationData
	system := nvd.VerificationData.ProvingSystem

	// 1. Chain id.
	if nvd.ChainID == nil || nvd.ChainID.Cmp(b.chainID) != 0 {
		b.log.Warn().Msg("received message with incorrect chain id")
		b.metrics.UserError("invalid_chain_id", "")
		b.sendTo(sink, &types.Response{Kind: types.RespInvalidChainID})
		return
	}

	// 2. Payment service address.
	if nvd.PaymentServiceAddr != b.paymentServiceAddr {
		b.log.Warn().Stringer("got", nvd.PaymentServiceAddr).Msg("received message with incorrect payment service address")
		b.metrics.UserError("invalid_payment_service_address", "")
		b.sendTo(sink, types.InvalidPaymentServiceAddressResponse(nvd.PaymentServiceAddr, b.paymentServiceAddr))
		return
	}

	// 3. Proof size.
	serialized, err := types.MarshalCBOR(nvd)
	if err != nil {
		b.metrics.UserError("proof_serialization_error", "")
		b.sendTo(sink, types.ErrorResponse("proof serialization error"))
		return
	}
	if len(serialized) > b.cfg.MaxProofSize {
		b.log.Warn().Int("size", len(serialized)).Msg("proof size exceeds the maximum allowed size")
		b.metrics.UserError("proof_too_large", "")
		b.sendTo(sink, &types.Response{Kind: types.RespProofTooLarge})
		return
	}

	// 4. Signature.
	addr, err := msg.RecoverAddress()
	if err != nil {
		b.log.Warn().Err(err).Msg("signature verification error")
		b.metrics.UserError("invalid_signature", "")
		b.sendTo(sink, &types.Response{Kind: types.RespInvalidSignature})
		return
	}

	// 5. Pre-verification.
	if b.cfg.PreVerificationIsEnabled {
		if b.isVerifierDisabled(system) {
			b.log.Warn().Stringer("proving_system", system).Msg("verifier disabled, skipping verification")
			b.metrics.UserError("disabled_verifier", system.String())
			b.sendTo(sink, types.InvalidProofResponse(types.ReasonDisabledVerifier, system))
			return
		}
		if !b.verifiers.Verify(ctx, &nvd.VerificationData) {
			b.log.Warn().Stringer("proving_system", system).Msg("invalid proof detected, verification failed")
			b.metrics.UserError("rejected_proof", system.String())
			b.sendTo(sink, types.InvalidProofResponse(types.ReasonRejectedProof, system))
			return
		}
	}

	// 6. Non-paying principal short-circuits into its own flow.
	if b.isNonPaying(addr) {
		b.handleNonPayingMsg(ctx, msg, sink)
		return
	}

	// 7. A user may only submit while their deposit is locked. No state
	// lock needed: withdrawal takes blocks after unlocking, so a race here
	// cannot let funds escape a queued proof.
	unlocked, err := b.chain.UserBalanceIsUnlocked(ctx, addr)
	if err != nil {
		b.metrics.UserError("eth_rpc_error", "")
		b.sendTo(sink, types.EthRPCErrorResponse("could not read user lock state"))
		return
	}
	if unlocked {
		b.metrics.UserError("insufficient_balance", "")
		b.sendTo(sink, types.InsufficientBalanceResponse(addr))
		return
	}

	// From here until enqueue completes the batch state stays locked.
	b.mu.Lock()

	// 8. Ensure the ledger row exists, fetching the chain nonce on a cold
	// entry.
	if _, inState := b.state.UserStates[addr]; !inState {
		chainNonce, err := b.chain.GetUserNonce(ctx, addr)
		if err != nil {
			b.mu.Unlock()
			b.log.Error().Err(err).Stringer("address", addr).Msg("failed to get user nonce")
			b.metrics.UserError("eth_rpc_error", "")
			b.sendTo(sink, types.EthRPCErrorResponse("could not read user nonce"))
			return
		}
		b.state.UserStates[addr] = state.NewUserState(chainNonce)
	}

	balance, err := b.chain.GetUserBalance(ctx, addr)
	if err != nil {
		b.mu.Unlock()
		b.log.Error().Err(err).Stringer("address", addr).Msg("could not get user balance")
		b.metrics.UserError("eth_rpc_error", "")
		b.sendTo(sink, types.EthRPCErrorResponse("could not read user balance"))
		return
	}

	lastMaxFeeLimit, ok := b.state.GetUserLastMaxFeeLimit(addr)
	if !ok {
		b.mu.Unlock()
		b.metrics.UserError("batcher_state_error", "")
		b.sendTo(sink, &types.Response{Kind: types.RespAddToBatchError})
		return
	}
	accumulatedFee, ok := b.state.GetUserTotalFeesInQueue(addr)
	if !ok {
		b.mu.Unlock()
		b.metrics.UserError("batcher_state_error", "")
		b.sendTo(sink, &types.Response{Kind: types.RespAddToBatchError})
		return
	}

	// 9. The on-chain balance must back every queued fee plus this one.
	required := new(big.Int).Add(accumulatedFee, nvd.MaxFee)
	if balance.Cmp(required) < 0 {
		b.mu.Unlock()
		b.metrics.UserError("insufficient_balance", "")
		b.sendTo(sink, types.InsufficientBalanceResponse(addr))
		return
	}

	// 10. Nonce ordering.
	expectedNonce, ok := b.state.GetUserNonce(addr)
	if !ok {
		b.mu.Unlock()
		b.log.Error().Stringer("address", addr).Msg("user missing from ledger after insertion")
		b.metrics.UserError("batcher_state_error", "")
		b.sendTo(sink, &types.Response{Kind: types.RespAddToBatchError})
		return
	}
	switch nvd.Nonce.Cmp(expectedNonce) {
	case 1:
		b.mu.Unlock()
		b.log.Warn().Stringer("address", addr).
			Str("expected", expectedNonce.String()).Str("got", nvd.Nonce.String()).
			Msg("invalid nonce")
		b.metrics.UserError("invalid_nonce", "")
		b.sendTo(sink, &types.Response{Kind: types.RespInvalidNonce})
		return
	case -1:
		// An already-used nonce may be a fee-raise replacement.
		b.handleReplacementMessage(msg, addr, sink) // unlocks
		return
	}

	// 11. Fee bids are non-increasing per address.
	if nvd.MaxFee.Cmp(lastMaxFeeLimit) > 0 {
		b.mu.Unlock()
		b.log.Warn().Stringer("address", addr).
			Str("limit", lastMaxFeeLimit.String()).Str("got", nvd.MaxFee.String()).
			Msg("invalid max fee")
		b.metrics.UserError("invalid_max_fee", "")
		b.sendTo(sink, &types.Response{Kind: types.RespInvalidMaxFee})
		return
	}

	if err := b.addToBatchLocked(&nvd, sink, msg.Signature, addr); err != nil {
		b.mu.Unlock()
		b.log.Error().Err(err).Msg("error while adding entry to batch")
		b.metrics.UserError("add_to_batch_error", "")
		b.sendTo(sink, &types.Response{Kind: types.RespAddToBatchError})
		return
	}
	b.mu.Unlock()
	b.log.Info().Stringer("address", addr).Msg("verification data message handled")
}

// addToBatchLocked enqueues the entry and advances the submitter's ledger.
// Caller holds b.mu.
func (b *Batcher) addToBatchLocked(nvd *types.NoncedVerificationData, sink types.ResponseSink, signature []byte, sender common.Address) error {
	commitment := types.NewCommitment(&nvd.VerificationData)
	entry, err := queue.NewEntry(*nvd, commitment, sink, signature, sender)
	if err != nil {
		return err
	}
	b.state.Queue.Push(entry, queue.Priority{MaxFee: nvd.MaxFee, Nonce: nvd.Nonce})

	b.metrics.UpdateQueueMetrics(b.state.Queue.Len(), b.state.Queue.BatchBytes())

	// For non-paying submissions the ledger row tracked is the
	// replacement account's.
	ledgerAddr := sender
	if b.isNonPaying(sender) && b.nonPayingReplacement != nil {
		ledgerAddr = b.nonPayingReplacement.Address
	}

	count, ok := b.state.GetUserProofCount(ledgerAddr)
	if !ok {
		return fmt.Errorf("user state for %s not found when updating ledger", ledgerAddr)
	}
	total, ok := b.state.GetUserTotalFeesInQueue(ledgerAddr)
	if !ok {
		return fmt.Errorf("user state for %s not found when updating ledger", ledgerAddr)
	}
	nextNonce := new(big.Int).Add(nvd.Nonce, big.NewInt(1))
	newTotal := new(big.Int).Add(total, nvd.MaxFee)
	if !b.state.UpdateUserState(ledgerAddr, nextNonce, nvd.MaxFee, count+1, newTotal) {
		return fmt.Errorf("user state for %s not found when updating ledger", ledgerAddr)
	}

	b.log.Info().Int("queue_len", b.state.Queue.Len()).Msg("verification data added to batch")
	return nil
}

// handleNonPayingMsg re-signs the submission under the funded replacement
// account with a fixed default fee bid.
func (b *Batcher) handleNonPayingMsg(ctx context.Context, msg *types.SubmitProofMessage, sink types.ResponseSink) {
	b.log.Info().Msg("handling non-paying message")
	if b.nonPayingReplacement == nil {
		b.sendTo(sink, types.InvalidRequestResponse("no non-paying configuration loaded"))
		return
	}
	replacementAddr := b.nonPayingReplacement.Address

	balance, err := b.chain.GetUserBalance(ctx, replacementAddr)
	if err != nil || balance.Sign() == 0 {
		b.log.Error().Err(err).Stringer("address", replacementAddr).Msg("insufficient funds for non-paying account")
		b.metrics.UserError("insufficient_balance", "")
		b.sendTo(sink, types.InsufficientBalanceResponse(replacementAddr))
		return
	}

	nvd := types.NoncedVerificationData{
		VerificationData:   msg.VerificationData.VerificationData,
		Nonce:              new(big.Int).Set(msg.VerificationData.Nonce),
		MaxFee:             new(big.Int).SetUint64(types.DefaultMaxFeePerProof),
		ChainID:            new(big.Int).Set(b.chainID),
		PaymentServiceAddr: b.paymentServiceAddr,
	}
	signed, err := types.SignSubmitProofMessage(&nvd, b.nonPayingReplacement.Key)
	if err != nil {
		b.log.Error().Err(err).Msg("failed to re-sign non-paying submission")
		b.sendTo(sink, &types.Response{Kind: types.RespAddToBatchError})
		return
	}

	b.mu.Lock()
	if err := b.addToBatchLocked(&nvd, sink, signed.Signature, replacementAddr); err != nil {
		b.mu.Unlock()
		b.log.Error().Err(err).Msg("error while adding non-paying entry to batch")
		b.metrics.UserError("add_to_batch_error", "")
		b.sendTo(sink, &types.Response{Kind: types.RespAddToBatchError})
		return
	}
	b.mu.Unlock()
	b.log.Info().Msg("non-paying verification data message handled")
}
