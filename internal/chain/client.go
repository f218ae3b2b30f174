// Package chain is the gateway's Ethereum adapter: dual-provider reads with
// failover, a merged deduplicated new-block subscription, payment-service and
// service-manager contract calls, and the createNewTask submission lifecycle
// with fee-bumped cancellation.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

// EthClient captures just enough of ethclient.Client for the adapter.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// HeadSubscriber is the websocket side of a provider.
type HeadSubscriber interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *gethtypes.Header) (ethereum.Subscription, error)
	Close()
}

// failover runs call against the primary endpoint and falls back to the
// secondary on any error. Every read and send in this package goes through
// it so call sites never duplicate the two-provider dance.
func failover[T any](ctx context.Context, log zerolog.Logger, what string, primary, fallback EthClient, call func(context.Context, EthClient) (T, error)) (T, error) {
	v, err := call(ctx, primary)
	if err == nil {
		return v, nil
	}
	log.Warn().Err(err).Str("call", what).Msg("primary RPC failed, trying fallback")
	return call(ctx, fallback)
}
