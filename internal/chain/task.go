package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/DanDo385/zkbatcher/internal/retry"
	"github.com/DanDo385/zkbatcher/internal/types"
)

var (
	// ErrReceiptNotFound means a sent transaction never produced a receipt
	// within the wait window. It is permanent: the pending transaction must
	// be canceled, not re-sent.
	ErrReceiptNotFound = errors.New("chain: transaction receipt not found within wait window")

	// ErrSubmissionInsufficientBalance means the batcher account cannot pay
	// for the submission itself.
	ErrSubmissionInsufficientBalance = errors.New("chain: batcher balance cannot cover submission")

	// ErrSimulationReverted means the createNewTask call would revert.
	ErrSimulationReverted = errors.New("chain: createNewTask simulation reverted")
)

const receiptPollInterval = 3 * time.Second

// FeeParams is the fee schedule attached to one batch submission.
type FeeParams struct {
	FeeForAggregator      *big.Int
	FeePerProof           *big.Int
	GasPrice              *big.Int
	RespondToTaskFeeLimit *big.Int
}

func packCreateNewTask(root [32]byte, dataPointer string, submitters []common.Address, fees FeeParams) ([]byte, error) {
	return paymentServiceABI.Pack("createNewTask",
		root, dataPointer, submitters,
		fees.FeeForAggregator, fees.FeePerProof, fees.RespondToTaskFeeLimit)
}

func isRevertError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "revert") || strings.Contains(msg, "execution reverted")
}

func isInsufficientFunds(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "insufficient funds")
}

// SimulateCreateNewTask sends the task calldata as a read-only call so a
// doomed submission is rejected before any gas is spent. Reverts are
// permanent; transport errors are retried.
func (a *Adapter) SimulateCreateNewTask(ctx context.Context, root [32]byte, dataPointer string, submitters []common.Address, fees FeeParams) error {
	data, err := packCreateNewTask(root, dataPointer, submitters, fees)
	if err != nil {
		return err
	}
	msg := ethereum.CallMsg{
		From:     a.signer.Address,
		To:       &a.paymentService,
		GasPrice: fees.GasPrice,
		Data:     data,
	}
	return retry.DoVoid(ctx, retry.EthCall, func() error {
		_, err := failover(ctx, a.log, "simulate_create_new_task", a.primary, a.fallback,
			func(ctx context.Context, c EthClient) ([]byte, error) { return c.CallContract(ctx, msg, nil) })
		if err == nil {
			return nil
		}
		if isInsufficientFunds(err) {
			return retry.Permanent(fmt.Errorf("%w: %s", ErrSubmissionInsufficientBalance, err))
		}
		if isRevertError(err) {
			return retry.Permanent(fmt.Errorf("%w: %s", ErrSimulationReverted, err))
		}
		return err
	})
}

// CreateNewTask signs and sends the batch submission, then waits for its
// receipt for up to the configured number of blocks. Transient send errors
// are retried with backoff; a missing receipt surfaces as ErrReceiptNotFound
// and must be followed by CancelCreateNewTask.
func (a *Adapter) CreateNewTask(ctx context.Context, root [32]byte, dataPointer string, submitters []common.Address, fees FeeParams) (*gethtypes.Receipt, error) {
	data, err := packCreateNewTask(root, dataPointer, submitters, fees)
	if err != nil {
		return nil, err
	}
	return retry.Do(ctx, retry.EthCall, func() (*gethtypes.Receipt, error) {
		return a.sendAndWait(ctx, data, fees.GasPrice)
	})
}

func (a *Adapter) sendAndWait(ctx context.Context, calldata []byte, gasPrice *big.Int) (*gethtypes.Receipt, error) {
	nonce, err := failover(ctx, a.log, "pending_nonce", a.primary, a.fallback,
		func(ctx context.Context, c EthClient) (uint64, error) {
			return c.PendingNonceAt(ctx, a.signer.Address)
		})
	if err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{From: a.signer.Address, To: &a.paymentService, GasPrice: gasPrice, Data: calldata}
	gasLimit, err := failover(ctx, a.log, "estimate_gas", a.primary, a.fallback,
		func(ctx context.Context, c EthClient) (uint64, error) { return c.EstimateGas(ctx, msg) })
	if err != nil {
		if isRevertError(err) {
			return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrSimulationReverted, err))
		}
		return nil, err
	}
	// Headroom so a state change between estimation and inclusion does not
	// run the submission out of gas.
	gasLimit = gasLimit * types.GasPriceMultiplier / types.PercentageDivider

	tx := gethtypes.NewTransaction(nonce, a.paymentService, common.Big0, gasLimit, gasPrice, calldata)
	signer := gethtypes.LatestSignerForChainID(a.chainID)
	signedTx, err := gethtypes.SignTx(tx, signer, a.signer.Key)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("sign createNewTask: %w", err))
	}

	if _, err := failover(ctx, a.log, "send_transaction", a.primary, a.fallback,
		func(ctx context.Context, c EthClient) (struct{}, error) {
			return struct{}{}, c.SendTransaction(ctx, signedTx)
		}); err != nil {
		if isInsufficientFunds(err) {
			return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrSubmissionInsufficientBalance, err))
		}
		return nil, err
	}

	receipt, err := a.waitForReceipt(ctx, signedTx.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status == gethtypes.ReceiptStatusFailed {
		return nil, retry.Permanent(fmt.Errorf("createNewTask reverted in block %d", receipt.BlockNumber.Uint64()))
	}
	return receipt, nil
}

// waitForReceipt polls for the receipt until txWaitBlocks blocks pass.
func (a *Adapter) waitForReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	startBlock, err := failover(ctx, a.log, "block_number", a.primary, a.fallback,
		func(ctx context.Context, c EthClient) (uint64, error) { return c.BlockNumber(ctx) })
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := failover(ctx, a.log, "transaction_receipt", a.primary, a.fallback,
			func(ctx context.Context, c EthClient) (*gethtypes.Receipt, error) {
				return c.TransactionReceipt(ctx, txHash)
			})
		if err == nil && receipt != nil {
			return receipt, nil
		}

		current, err := failover(ctx, a.log, "block_number", a.primary, a.fallback,
			func(ctx context.Context, c EthClient) (uint64, error) { return c.BlockNumber(ctx) })
		if err == nil && current >= startBlock+a.txWaitBlocks {
			return nil, retry.Permanent(fmt.Errorf("%w: tx %s", ErrReceiptNotFound, txHash.Hex()))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// BumpedGasPrice is the replacement gas price for overriding a stuck
// transaction: at least 20% over the previous attempt, and never below what
// the network currently asks.
func BumpedGasPrice(previous, current *big.Int) *big.Int {
	bumped := new(big.Int).Mul(previous, new(big.Int).SetUint64(types.OverrideGasPriceMultiplier))
	bumped.Div(bumped, new(big.Int).SetUint64(types.PercentageDivider))
	if bumped.Cmp(current) < 0 {
		return new(big.Int).Set(current)
	}
	return bumped
}

// CancelCreateNewTask replaces the batcher's pending transaction with a
// zero-value self-transfer carrying the same nonce and a bumped gas price.
// Retried with the bump policy for roughly a day.
func (a *Adapter) CancelCreateNewTask(ctx context.Context, previousGasPrice *big.Int) (*gethtypes.Receipt, error) {
	prev := new(big.Int).Set(previousGasPrice)

	return retry.Do(ctx, retry.Bump, func() (*gethtypes.Receipt, error) {
		current, err := failover(ctx, a.log, "gas_price", a.primary, a.fallback,
			func(ctx context.Context, c EthClient) (*big.Int, error) { return c.SuggestGasPrice(ctx) })
		if err != nil {
			return nil, err
		}
		bumped := BumpedGasPrice(prev, current)
		prev.Set(bumped)

		// The stuck transaction holds the confirmed nonce; reuse it.
		nonce, err := failover(ctx, a.log, "nonce_at", a.primary, a.fallback,
			func(ctx context.Context, c EthClient) (uint64, error) {
				return c.NonceAt(ctx, a.signer.Address, nil)
			})
		if err != nil {
			return nil, err
		}

		tx := gethtypes.NewTransaction(nonce, a.signer.Address, common.Big0, 21_000, bumped, nil)
		signer := gethtypes.LatestSignerForChainID(a.chainID)
		signedTx, err := gethtypes.SignTx(tx, signer, a.signer.Key)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("sign cancellation: %w", err))
		}

		if _, err := failover(ctx, a.log, "send_cancellation", a.primary, a.fallback,
			func(ctx context.Context, c EthClient) (struct{}, error) {
				return struct{}{}, c.SendTransaction(ctx, signedTx)
			}); err != nil {
			// "nonce too low" means a prior attempt (or the original tx)
			// just landed; nothing left to cancel.
			if strings.Contains(strings.ToLower(err.Error()), "nonce too low") {
				return nil, retry.Permanent(err)
			}
			return nil, err
		}

		receipt, err := a.waitForReceipt(ctx, signedTx.Hash())
		if err != nil {
			if errors.Is(err, ErrReceiptNotFound) {
				// Keep bumping until the replacement lands.
				return nil, ErrReceiptNotFound
			}
			return nil, err
		}
		return receipt, nil
	})
}

// GasCostInEth converts a receipt's gas accounting into ETH for the gas
// cost counters.
func GasCostInEth(receipt *gethtypes.Receipt) float64 {
	if receipt == nil || receipt.EffectiveGasPrice == nil {
		return 0
	}
	wei := new(big.Int).Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed))
	eth, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
	return eth
}
