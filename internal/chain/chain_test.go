package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/DanDo385/zkbatcher/internal/config"
)

type mockEthClient struct {
	blockNumber    uint64
	gasPrice       *big.Int
	callResult     []byte
	callErr        error
	estimateGas    uint64
	pendingNonce   uint64
	receipt        *gethtypes.Receipt
	receiptErr     error
	sendErr        error
	sentTxs        []*gethtypes.Transaction
	blockNumberErr error
}

func (m *mockEthClient) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (m *mockEthClient) BlockNumber(context.Context) (uint64, error) {
	return m.blockNumber, m.blockNumberErr
}

func (m *mockEthClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	if m.gasPrice == nil {
		return nil, errors.New("no gas price")
	}
	return m.gasPrice, nil
}

func (m *mockEthClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return m.callResult, m.callErr
}

func (m *mockEthClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return m.estimateGas, nil
}

func (m *mockEthClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return m.pendingNonce, nil
}

func (m *mockEthClient) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	return m.pendingNonce, nil
}

func (m *mockEthClient) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sentTxs = append(m.sentTxs, tx)
	return nil
}

func (m *mockEthClient) TransactionReceipt(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	if m.receipt == nil {
		if m.receiptErr != nil {
			return nil, m.receiptErr
		}
		return nil, ethereum.NotFound
	}
	return m.receipt, nil
}

func (m *mockEthClient) FilterLogs(context.Context, ethereum.FilterQuery) ([]gethtypes.Log, error) {
	return nil, nil
}

func testAdapter(t *testing.T, primary, fallback EthClient) *Adapter {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cfg := &config.Config{
		Contracts: config.ContractsConfig{
			BatcherPaymentService: "0x7bc06c482DEAd17c0e297aFbC32f6e63d3846650",
			ServiceManager:        "0x851356ae760d987E095750cCeb3bC6014560891C",
		},
		Batcher: config.BatcherConfig{TransactionWaitTimeout: 0},
	}
	signer := &config.Signer{Key: key, Address: crypto.PubkeyToAddress(key.PublicKey)}
	a := NewWithClients(primary, fallback, cfg, signer, zerolog.Nop())
	a.SetChainID(big.NewInt(1))
	return a
}

func packedUint(v int64) []byte {
	return common.LeftPadBytes(big.NewInt(v).Bytes(), 32)
}

func TestReadFailsOverToFallback(t *testing.T) {
	primary := &mockEthClient{callErr: errors.New("primary down")}
	fallback := &mockEthClient{callResult: packedUint(7)}
	a := testAdapter(t, primary, fallback)

	nonce, err := a.GetUserNonce(context.Background(), common.HexToAddress("0xaa"))
	if err != nil {
		t.Fatalf("GetUserNonce: %v", err)
	}
	if nonce.Int64() != 7 {
		t.Errorf("nonce = %v, want 7", nonce)
	}
}

func TestUserBalanceIsUnlocked(t *testing.T) {
	client := &mockEthClient{callResult: packedUint(0)}
	a := testAdapter(t, client, client)
	unlocked, err := a.UserBalanceIsUnlocked(context.Background(), common.HexToAddress("0xaa"))
	if err != nil {
		t.Fatalf("UserBalanceIsUnlocked: %v", err)
	}
	if unlocked {
		t.Error("zero unlock block should mean locked")
	}

	client.callResult = packedUint(123)
	unlocked, err = a.UserBalanceIsUnlocked(context.Background(), common.HexToAddress("0xaa"))
	if err != nil {
		t.Fatalf("UserBalanceIsUnlocked: %v", err)
	}
	if !unlocked {
		t.Error("non-zero unlock block should mean unlocked")
	}
}

func TestBumpedGasPrice(t *testing.T) {
	cases := []struct {
		prev, current, want int64
	}{
		{100, 50, 120},  // 20% bump dominates
		{100, 200, 200}, // network price dominates
		{100, 120, 120}, // equal after bump
	}
	for _, tc := range cases {
		got := BumpedGasPrice(big.NewInt(tc.prev), big.NewInt(tc.current))
		if got.Int64() != tc.want {
			t.Errorf("BumpedGasPrice(%d, %d) = %v, want %d", tc.prev, tc.current, got, tc.want)
		}
	}
}

func TestGasCostInEth(t *testing.T) {
	receipt := &gethtypes.Receipt{
		GasUsed:           100_000,
		EffectiveGasPrice: big.NewInt(10_000_000_000), // 10 gwei
	}
	got := GasCostInEth(receipt)
	want := 0.001
	if got < want*0.999 || got > want*1.001 {
		t.Errorf("GasCostInEth = %v, want ~%v", got, want)
	}
	if GasCostInEth(nil) != 0 {
		t.Error("nil receipt should cost 0")
	}
}

func TestCreateNewTaskSendsAndReturnsReceipt(t *testing.T) {
	receipt := &gethtypes.Receipt{
		Status:            gethtypes.ReceiptStatusSuccessful,
		BlockNumber:       big.NewInt(11),
		GasUsed:           200_000,
		EffectiveGasPrice: big.NewInt(2),
	}
	client := &mockEthClient{
		blockNumber: 10,
		estimateGas: 500_000,
		receipt:     receipt,
	}
	a := testAdapter(t, client, client)

	fees := FeeParams{
		FeeForAggregator:      big.NewInt(1),
		FeePerProof:           big.NewInt(2),
		GasPrice:              big.NewInt(3),
		RespondToTaskFeeLimit: big.NewInt(4),
	}
	got, err := a.CreateNewTask(context.Background(), [32]byte{1}, "https://store/x.json",
		[]common.Address{common.HexToAddress("0xaa")}, fees)
	if err != nil {
		t.Fatalf("CreateNewTask: %v", err)
	}
	if got != receipt {
		t.Error("unexpected receipt returned")
	}
	if len(client.sentTxs) != 1 {
		t.Fatalf("sent txs = %d, want 1", len(client.sentTxs))
	}
	tx := client.sentTxs[0]
	if tx.GasPrice().Int64() != 3 {
		t.Errorf("tx gas price = %v, want 3", tx.GasPrice())
	}
	if tx.To() == nil || *tx.To() != a.PaymentServiceAddress() {
		t.Errorf("tx target = %v, want payment service", tx.To())
	}
}

func TestCreateNewTaskMissingReceipt(t *testing.T) {
	client := &mockEthClient{
		blockNumber: 10,
		estimateGas: 500_000,
		// No receipt ever appears; wait timeout is 0 blocks.
	}
	a := testAdapter(t, client, client)

	_, err := a.CreateNewTask(context.Background(), [32]byte{1}, "p", nil, FeeParams{
		FeeForAggregator: big.NewInt(1), FeePerProof: big.NewInt(1),
		GasPrice: big.NewInt(1), RespondToTaskFeeLimit: big.NewInt(1),
	})
	if !errors.Is(err, ErrReceiptNotFound) {
		t.Errorf("err = %v, want ErrReceiptNotFound", err)
	}
}

func TestSimulateCreateNewTaskRevertIsPermanent(t *testing.T) {
	client := &mockEthClient{callErr: errors.New("execution reverted: batch too small")}
	a := testAdapter(t, client, client)

	err := a.SimulateCreateNewTask(context.Background(), [32]byte{1}, "p", nil, FeeParams{
		FeeForAggregator: big.NewInt(1), FeePerProof: big.NewInt(1),
		GasPrice: big.NewInt(1), RespondToTaskFeeLimit: big.NewInt(1),
	})
	if !errors.Is(err, ErrSimulationReverted) {
		t.Errorf("err = %v, want ErrSimulationReverted", err)
	}
}
