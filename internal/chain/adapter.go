package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/DanDo385/zkbatcher/internal/config"
	"github.com/DanDo385/zkbatcher/internal/retry"
)

// Adapter owns the two RPC endpoints and everything the batcher asks of the
// chain. Reads try the primary and fall back; the block subscription merges
// both websocket streams and deduplicates.
type Adapter struct {
	primary  EthClient
	fallback EthClient

	wsURL         string
	wsURLFallback string
	dialWS        func(ctx context.Context, url string) (HeadSubscriber, error)

	signer         *config.Signer
	chainID        *big.Int
	paymentService common.Address
	serviceManager common.Address
	txWaitBlocks   uint64

	log zerolog.Logger
}

// New dials both HTTP endpoints and reads the chain id, preferring the
// primary for every boot-time query.
func New(ctx context.Context, cfg *config.Config, signer *config.Signer, log zerolog.Logger) (*Adapter, error) {
	primary, err := ethclient.DialContext(ctx, cfg.EthRPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial primary rpc: %w", err)
	}
	fallback, err := ethclient.DialContext(ctx, cfg.EthRPCURLFallback)
	if err != nil {
		return nil, fmt.Errorf("dial fallback rpc: %w", err)
	}

	a := NewWithClients(primary, fallback, cfg, signer, log)
	a.wsURL = cfg.EthWSURL
	a.wsURLFallback = cfg.EthWSURLFallback

	chainID, err := failover(ctx, a.log, "chain_id", a.primary, a.fallback,
		func(ctx context.Context, c EthClient) (*big.Int, error) { return c.ChainID(ctx) })
	if err != nil {
		return nil, fmt.Errorf("get chain id: %w", err)
	}
	a.chainID = chainID
	return a, nil
}

// NewWithClients wires an adapter over already-constructed clients. The
// chain id must be set by the caller; tests use this directly.
func NewWithClients(primary, fallback EthClient, cfg *config.Config, signer *config.Signer, log zerolog.Logger) *Adapter {
	return &Adapter{
		primary:        primary,
		fallback:       fallback,
		dialWS:         dialHeadSubscriber,
		signer:         signer,
		paymentService: cfg.PaymentServiceAddr(),
		serviceManager: cfg.ServiceManagerAddr(),
		txWaitBlocks:   cfg.Batcher.TransactionWaitTimeout,
		log:            log.With().Str("component", "chain").Logger(),
	}
}

func dialHeadSubscriber(ctx context.Context, url string) (HeadSubscriber, error) {
	return ethclient.DialContext(ctx, url)
}

// SetChainID fixes the chain id used for transaction signing and message
// validation.
func (a *Adapter) SetChainID(id *big.Int) { a.chainID = new(big.Int).Set(id) }

func (a *Adapter) ChainID() *big.Int { return a.chainID }

// SignerAddress is the batcher's funded submission identity.
func (a *Adapter) SignerAddress() common.Address { return a.signer.Address }

// PaymentServiceAddress is the deployed payment contract the gateway fronts.
func (a *Adapter) PaymentServiceAddress() common.Address { return a.paymentService }

// ServiceManagerAddress is the contract emitting NewBatch events.
func (a *Adapter) ServiceManagerAddress() common.Address { return a.serviceManager }

// GetBlockNumber reads the current head, with failover and retries.
func (a *Adapter) GetBlockNumber(ctx context.Context) (uint64, error) {
	return retry.Do(ctx, retry.EthCall, func() (uint64, error) {
		return failover(ctx, a.log, "block_number", a.primary, a.fallback,
			func(ctx context.Context, c EthClient) (uint64, error) { return c.BlockNumber(ctx) })
	})
}

// GetGasPrice reads the suggested gas price, with failover and retries.
func (a *Adapter) GetGasPrice(ctx context.Context) (*big.Int, error) {
	return retry.Do(ctx, retry.EthCall, func() (*big.Int, error) {
		return failover(ctx, a.log, "gas_price", a.primary, a.fallback,
			func(ctx context.Context, c EthClient) (*big.Int, error) { return c.SuggestGasPrice(ctx) })
	})
}

func (a *Adapter) paymentRead(ctx context.Context, method string, args ...any) (*big.Int, error) {
	return retry.Do(ctx, retry.EthCall, func() (*big.Int, error) {
		data, err := paymentServiceABI.Pack(method, args...)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		msg := ethereum.CallMsg{From: a.signer.Address, To: &a.paymentService, Data: data}
		raw, err := failover(ctx, a.log, method, a.primary, a.fallback,
			func(ctx context.Context, c EthClient) ([]byte, error) { return c.CallContract(ctx, msg, nil) })
		if err != nil {
			return nil, err
		}
		out, err := paymentServiceABI.Unpack(method, raw)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		return out[0].(*big.Int), nil
	})
}

// GetUserNonce reads the payment contract's next expected nonce for addr.
func (a *Adapter) GetUserNonce(ctx context.Context, addr common.Address) (*big.Int, error) {
	return a.paymentRead(ctx, "user_nonces", addr)
}

// GetUserBalance reads addr's deposited balance.
func (a *Adapter) GetUserBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return a.paymentRead(ctx, "user_balances", addr)
}

// UserBalanceIsUnlocked reports whether addr has signalled withdrawal. An
// unlocked balance may not back new submissions.
func (a *Adapter) UserBalanceIsUnlocked(ctx context.Context, addr common.Address) (bool, error) {
	unlockBlock, err := a.paymentRead(ctx, "user_unlock_block", addr)
	if err != nil {
		return false, err
	}
	return unlockBlock.Sign() != 0, nil
}

// GetDisabledVerifiers reads the service manager's verifier kill-switch
// bitmap.
func (a *Adapter) GetDisabledVerifiers(ctx context.Context) (*big.Int, error) {
	return retry.Do(ctx, retry.EthCall, func() (*big.Int, error) {
		data, err := serviceManagerABI.Pack("disabled_verifiers")
		if err != nil {
			return nil, retry.Permanent(err)
		}
		msg := ethereum.CallMsg{From: a.signer.Address, To: &a.serviceManager, Data: data}
		raw, err := failover(ctx, a.log, "disabled_verifiers", a.primary, a.fallback,
			func(ctx context.Context, c EthClient) ([]byte, error) { return c.CallContract(ctx, msg, nil) })
		if err != nil {
			return nil, err
		}
		out, err := serviceManagerABI.Unpack("disabled_verifiers", raw)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		return out[0].(*big.Int), nil
	})
}

// FilterLogs runs a log query with failover and retries.
func (a *Adapter) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	return retry.Do(ctx, retry.EthCall, func() ([]gethtypes.Log, error) {
		return failover(ctx, a.log, "filter_logs", a.primary, a.fallback,
			func(ctx context.Context, c EthClient) ([]gethtypes.Log, error) { return c.FilterLogs(ctx, q) })
	})
}

// ListenNewBlocks subscribes to new heads on both websocket endpoints,
// forwards whichever arrives first and suppresses duplicates by block
// number. Both endpoints must dial and subscribe for the listener to start;
// a setup error on either is returned. Once running, it keeps going on one
// stream if the other dies and returns with an error when both streams have
// died; the caller wraps it in the retry driver.
func (a *Adapter) ListenNewBlocks(ctx context.Context, handler func(blockNumber uint64)) error {
	primaryWS, err := a.dialWS(ctx, a.wsURL)
	if err != nil {
		return fmt.Errorf("dial primary ws: %w", err)
	}
	defer primaryWS.Close()

	fallbackWS, err := a.dialWS(ctx, a.wsURLFallback)
	if err != nil {
		return fmt.Errorf("dial fallback ws: %w", err)
	}
	defer fallbackWS.Close()

	heads := make(chan *gethtypes.Header, 32)
	headsFallback := make(chan *gethtypes.Header, 32)

	sub, err := primaryWS.SubscribeNewHead(ctx, heads)
	if err != nil {
		return fmt.Errorf("subscribe primary: %w", err)
	}
	defer sub.Unsubscribe()

	subFallback, err := fallbackWS.SubscribeNewHead(ctx, headsFallback)
	if err != nil {
		return fmt.Errorf("subscribe fallback: %w", err)
	}
	defer subFallback.Unsubscribe()

	var lastSeen uint64
	dispatch := func(header *gethtypes.Header) {
		n := header.Number.Uint64()
		if n <= lastSeen {
			return
		}
		lastSeen = n
		a.log.Info().Uint64("block", n).Msg("received new block")
		go handler(n)
	}

	primaryErr, fallbackErr := sub.Err(), subFallback.Err()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case header := <-heads:
			dispatch(header)
		case header := <-headsFallback:
			dispatch(header)
		case err := <-primaryErr:
			primaryErr = nil
			if fallbackErr == nil {
				return fmt.Errorf("primary head subscription: %w", err)
			}
			a.log.Warn().Err(err).Msg("primary head subscription lost, continuing on fallback")
		case err := <-fallbackErr:
			fallbackErr = nil
			if primaryErr == nil {
				return fmt.Errorf("fallback head subscription: %w", err)
			}
			a.log.Warn().Err(err).Msg("fallback head subscription lost, continuing on primary")
		}
	}
}
