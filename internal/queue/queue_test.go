package queue

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/DanDo385/zkbatcher/internal/types"
)

const testConstantGasCost = types.DefaultAggregatorFeeMultiplier*types.DefaultAggregatorGasCost/types.PercentageDivider +
	types.BatcherSubmissionBaseGasCost

func testEntry(t *testing.T, sender common.Address, nonce, maxFee int64) (*Entry, Priority) {
	t.Helper()
	payload := make([]byte, 10)
	for i := range payload {
		payload[i] = 42
	}
	vd := types.VerificationData{
		ProvingSystem:      types.Risc0,
		Proof:              payload,
		PublicInput:        payload,
		VerificationKey:    payload,
		VMProgramCode:      payload,
		ProofGeneratorAddr: common.HexToAddress("0x1111111111111111111111111111111111111111"),
	}
	nvd := types.NoncedVerificationData{
		VerificationData:   vd,
		Nonce:              big.NewInt(nonce),
		MaxFee:             big.NewInt(maxFee),
		ChainID:            big.NewInt(42),
		PaymentServiceAddr: common.HexToAddress("0x2222222222222222222222222222222222222222"),
	}
	entry, err := NewEntry(nvd, types.NewCommitment(&vd), nil, []byte{1, 2, 3}, sender)
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}
	return entry, Priority{MaxFee: big.NewInt(maxFee), Nonce: big.NewInt(nonce)}
}

func TestPopOrder_LowestFeeFirst(t *testing.T) {
	sender := common.HexToAddress("0xaa")
	q := New()

	e1, p1 := testEntry(t, sender, 1, 1_300_000_000_000_002)
	e2, p2 := testEntry(t, sender, 2, 1_300_000_000_000_001)
	e3, p3 := testEntry(t, sender, 3, 1_300_000_000_000_000)
	q.Push(e1, p1)
	q.Push(e2, p2)
	q.Push(e3, p3)

	want := []int64{1_300_000_000_000_000, 1_300_000_000_000_001, 1_300_000_000_000_002}
	for i, fee := range want {
		e, ok := q.Pop()
		if !ok {
			t.Fatalf("pop %d: queue empty", i)
		}
		if e.Data.MaxFee.Int64() != fee {
			t.Errorf("pop %d: got fee %d, want %d", i, e.Data.MaxFee.Int64(), fee)
		}
	}
}

func TestPopOrder_TieBrokenByHigherNonce(t *testing.T) {
	sender := common.HexToAddress("0xaa")
	q := New()
	for _, nonce := range []int64{1, 3, 2} {
		e, p := testEntry(t, sender, nonce, 130_000_000_000_000)
		q.Push(e, p)
	}

	want := []int64{3, 2, 1}
	for i, nonce := range want {
		e, ok := q.Pop()
		if !ok {
			t.Fatalf("pop %d: queue empty", i)
		}
		if e.Data.Nonce.Int64() != nonce {
			t.Errorf("pop %d: got nonce %d, want %d", i, e.Data.Nonce.Int64(), nonce)
		}
	}
}

func TestPushReplacesSameIdentity(t *testing.T) {
	sender := common.HexToAddress("0xaa")
	q := New()

	e1, p1 := testEntry(t, sender, 1, 100)
	q.Push(e1, p1)
	e2, p2 := testEntry(t, sender, 1, 150)
	q.Push(e2, p2)

	if q.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", q.Len())
	}
	got, ok := q.Get(sender, big.NewInt(1))
	if !ok || got.Data.MaxFee.Int64() != 150 {
		t.Errorf("entry not replaced: ok=%v fee=%v", ok, got.Data.MaxFee)
	}
}

func TestRemoveMiss(t *testing.T) {
	q := New()
	if _, ok := q.Remove(common.HexToAddress("0xaa"), big.NewInt(7)); ok {
		t.Error("Remove on empty queue reported a hit")
	}
}

func TestBatchBytes(t *testing.T) {
	sender := common.HexToAddress("0xaa")
	q := New()
	if q.BatchBytes() != types.CBORArrayMaxOverhead {
		t.Errorf("empty queue BatchBytes = %d, want %d", q.BatchBytes(), types.CBORArrayMaxOverhead)
	}

	e1, p1 := testEntry(t, sender, 1, 100)
	e2, p2 := testEntry(t, sender, 2, 90)
	q.Push(e1, p1)
	q.Push(e2, p2)

	want := types.CBORArrayMaxOverhead + e1.SerializedSize() + e2.SerializedSize()
	if q.BatchBytes() != want {
		t.Errorf("BatchBytes = %d, want %d", q.BatchBytes(), want)
	}

	q.Remove(sender, big.NewInt(1))
	want -= e1.SerializedSize()
	if q.BatchBytes() != want {
		t.Errorf("BatchBytes after remove = %d, want %d", q.BatchBytes(), want)
	}
}

func TestTryBuildBatch_SameSender(t *testing.T) {
	sender := common.HexToAddress("0xaa")
	q := New()
	// Same address: lower nonces carry higher fee bids.
	e1, p1 := testEntry(t, sender, 1, 1_300_000_000_000_002)
	e2, p2 := testEntry(t, sender, 2, 1_300_000_000_000_001)
	e3, p3 := testEntry(t, sender, 3, 1_300_000_000_000_000)
	q.Push(e1, p1)
	q.Push(e2, p2)
	q.Push(e3, p3)

	batch, err := TryBuildBatch(q, big.NewInt(1), 5_000_000, 50, testConstantGasCost)
	if err != nil {
		t.Fatalf("TryBuildBatch: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("batch length = %d, want 3", len(batch))
	}
	if batch[0].Data.MaxFee.Int64() != 1_300_000_000_000_000 ||
		batch[1].Data.MaxFee.Int64() != 1_300_000_000_000_001 ||
		batch[2].Data.MaxFee.Int64() != 1_300_000_000_000_002 {
		t.Errorf("batch not in lowest-fee-first order: %v %v %v",
			batch[0].Data.MaxFee, batch[1].Data.MaxFee, batch[2].Data.MaxFee)
	}
	if q.Len() != 3 {
		t.Errorf("input queue mutated: len = %d", q.Len())
	}
}

func TestTryBuildBatch_SameFeeOrderedByNonce(t *testing.T) {
	sender := common.HexToAddress("0xaa")
	q := New()
	for _, nonce := range []int64{1, 2, 3} {
		e, p := testEntry(t, sender, nonce, 130_000_000_000_000)
		q.Push(e, p)
	}

	batch, err := TryBuildBatch(q, big.NewInt(1), 5_000_000, 50, testConstantGasCost)
	if err != nil {
		t.Fatalf("TryBuildBatch: %v", err)
	}
	want := []int64{3, 2, 1}
	for i, nonce := range want {
		if batch[i].Data.Nonce.Int64() != nonce {
			t.Errorf("batch[%d] nonce = %d, want %d", i, batch[i].Data.Nonce.Int64(), nonce)
		}
	}
}

func TestTryBuildBatch_RespectsMaxProofQty(t *testing.T) {
	sender := common.HexToAddress("0xaa")
	q := New()
	e1, p1 := testEntry(t, sender, 1, 1_300_000_000_000_002)
	e2, p2 := testEntry(t, sender, 2, 1_300_000_000_000_001)
	e3, p3 := testEntry(t, sender, 3, 1_300_000_000_000_000)
	q.Push(e1, p1)
	q.Push(e2, p2)
	q.Push(e3, p3)

	batch, err := TryBuildBatch(q, big.NewInt(1), 5_000_000, 2, testConstantGasCost)
	if err != nil {
		t.Fatalf("TryBuildBatch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("batch length = %d, want 2", len(batch))
	}
	// The highest-nonce entry was peeled away.
	if batch[0].Data.Nonce.Int64() != 2 || batch[1].Data.Nonce.Int64() != 1 {
		t.Errorf("wrong entries kept: nonces %d, %d", batch[0].Data.Nonce.Int64(), batch[1].Data.Nonce.Int64())
	}
}

func TestTryBuildBatch_DropsUnwillingPayer(t *testing.T) {
	a := common.HexToAddress("0xaa")
	b := common.HexToAddress("0xbb")
	q := New()
	e1, p1 := testEntry(t, a, 10, 1_300_000_000_000_002)
	e2, p2 := testEntry(t, a, 20, 1_300_000_000_000_001)
	e3, p3 := testEntry(t, b, 14, 10)
	q.Push(e1, p1)
	q.Push(e2, p2)
	q.Push(e3, p3)

	batch, err := TryBuildBatch(q, big.NewInt(1), 5_000_000, 50, testConstantGasCost)
	if err != nil {
		t.Fatalf("TryBuildBatch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("batch length = %d, want 2", len(batch))
	}
	for _, e := range batch {
		if e.Sender == b {
			t.Error("unwilling payer was kept in the batch")
		}
	}
}

func TestTryBuildBatch_AllUnwilling(t *testing.T) {
	sender := common.HexToAddress("0xaa")
	q := New()
	e, p := testEntry(t, sender, 1, 10)
	q.Push(e, p)

	if _, err := TryBuildBatch(q, big.NewInt(1), 5_000_000, 50, testConstantGasCost); err != ErrBatchCostTooHigh {
		t.Errorf("err = %v, want ErrBatchCostTooHigh", err)
	}
}

func TestFeePerProof_DecreasesWithBatchSize(t *testing.T) {
	gasPrice := big.NewInt(1_000_000_000)
	one := FeePerProof(1, gasPrice, testConstantGasCost)
	ten := FeePerProof(10, gasPrice, testConstantGasCost)
	if one.Cmp(ten) <= 0 {
		t.Errorf("fee per proof should shrink as the batch grows: 1 proof %v, 10 proofs %v", one, ten)
	}
}
