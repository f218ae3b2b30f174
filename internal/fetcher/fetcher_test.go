package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/DanDo385/zkbatcher/internal/chain"
	"github.com/DanDo385/zkbatcher/internal/types"
)

type mockFilterer struct {
	head uint64
	logs []gethtypes.Log
	seen []ethereum.FilterQuery
}

func (m *mockFilterer) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	m.seen = append(m.seen, q)
	return m.logs, nil
}

func (m *mockFilterer) GetBlockNumber(context.Context) (uint64, error) {
	return m.head, nil
}

func newBatchLog(t *testing.T, blockNumber uint64, pointer string) gethtypes.Log {
	t.Helper()
	ev := chain.ServiceManagerABI().Events["NewBatch"]
	data, err := ev.Inputs.NonIndexed().Pack(
		common.HexToAddress("0xbb"),
		uint32(blockNumber),
		pointer,
		common.Big1,
	)
	if err != nil {
		t.Fatalf("pack log data: %v", err)
	}
	return gethtypes.Log{
		Address:     common.HexToAddress("0x851356ae760d987E095750cCeb3bC6014560891C"),
		Topics:      []common.Hash{chain.NewBatchEventID(), common.HexToHash("0xdead")},
		Data:        data,
		BlockNumber: blockNumber,
	}
}

func TestLatestBatchBlock(t *testing.T) {
	sm := common.HexToAddress("0x851356ae760d987E095750cCeb3bC6014560891C")
	client := &mockFilterer{
		head: 1000,
		logs: []gethtypes.Log{
			newBatchLog(t, 900, "https://store/a.json"),
			newBatchLog(t, 950, "https://store/b.json"),
		},
	}

	block, found, err := LatestBatchBlock(context.Background(), client, sm, 500)
	if err != nil {
		t.Fatalf("LatestBatchBlock: %v", err)
	}
	if !found || block != 950 {
		t.Errorf("got (%d, %v), want (950, true)", block, found)
	}
	if from := client.seen[0].FromBlock.Uint64(); from != 500 {
		t.Errorf("scan started at %d, want 500", from)
	}
}

func TestLatestBatchBlockFallsBackToHead(t *testing.T) {
	sm := common.HexToAddress("0x851356ae760d987E095750cCeb3bC6014560891C")
	client := &mockFilterer{head: 123}

	block, found, err := LatestBatchBlock(context.Background(), client, sm, 500)
	if err != nil {
		t.Fatalf("LatestBatchBlock: %v", err)
	}
	if found || block != 123 {
		t.Errorf("got (%d, %v), want (123, false)", block, found)
	}
}

func TestFetchFiltersSP1Proofs(t *testing.T) {
	batch := []types.VerificationData{
		{ProvingSystem: types.SP1, Proof: []byte{1}, VMProgramCode: []byte{2}},
		{ProvingSystem: types.Risc0, Proof: []byte{3}, VMProgramCode: []byte{4}},
		{ProvingSystem: types.SP1, Proof: []byte{5}, VMProgramCode: []byte{6}},
	}
	raw, err := types.MarshalCBOR(batch)
	if err != nil {
		t.Fatalf("marshal batch: %v", err)
	}
	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(raw)
	}))
	defer store.Close()

	sm := common.HexToAddress("0x851356ae760d987E095750cCeb3bC6014560891C")
	client := &mockFilterer{
		head: 100,
		logs: []gethtypes.Log{newBatchLog(t, 90, store.URL+"/root.json")},
	}

	f := New(client, sm, 50, zerolog.Nop())
	proofs, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(proofs) != 2 {
		t.Fatalf("proofs = %d, want 2 SP1 proofs", len(proofs))
	}
	if proofs[0].Proof[0] != 1 || proofs[1].Proof[0] != 5 {
		t.Errorf("wrong proofs selected: %+v", proofs)
	}
}
