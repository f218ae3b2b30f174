// Package state keeps the per-address accounting ledger and the batch
// state it is synchronized with. All methods assume the caller holds the
// process-wide batch-state lock.
package state

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/DanDo385/zkbatcher/internal/queue"
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// UserState is the cached accounting for one submitter address.
type UserState struct {
	// Nonce is the next nonce expected from this address.
	Nonce *big.Int
	// LastMaxFeeLimit is the minimum max_fee among the address's queued
	// entries; new submissions may not bid above it.
	LastMaxFeeLimit *big.Int
	// ProofCount is the number of queued entries owned by the address.
	ProofCount int
	// TotalFeesInQueue is the sum of max_fee over those entries.
	TotalFeesInQueue *big.Int
}

// NewUserState starts accounting for an address whose next expected nonce
// was just read from the chain.
func NewUserState(nonce *big.Int) *UserState {
	return &UserState{
		Nonce:            new(big.Int).Set(nonce),
		LastMaxFeeLimit:  new(big.Int).Set(maxUint256),
		ProofCount:       0,
		TotalFeesInQueue: big.NewInt(0),
	}
}

// UserStateData is the (count, min fee, total fee) aggregate recomputed from
// the queue after a batch is removed.
type UserStateData struct {
	ProofCount       int
	MinFeeLimit      *big.Int
	TotalFeesInQueue *big.Int
}

// BatchState is the queue plus the ledger, mutated exclusively under one
// lock owned by the batcher.
type BatchState struct {
	Queue      *queue.Queue
	UserStates map[common.Address]*UserState
}

func NewBatchState() *BatchState {
	return &BatchState{
		Queue:      queue.New(),
		UserStates: make(map[common.Address]*UserState),
	}
}

func (s *BatchState) GetUserNonce(addr common.Address) (*big.Int, bool) {
	us, ok := s.UserStates[addr]
	if !ok {
		return nil, false
	}
	return us.Nonce, true
}

func (s *BatchState) GetUserProofCount(addr common.Address) (int, bool) {
	us, ok := s.UserStates[addr]
	if !ok {
		return 0, false
	}
	return us.ProofCount, true
}

func (s *BatchState) GetUserLastMaxFeeLimit(addr common.Address) (*big.Int, bool) {
	us, ok := s.UserStates[addr]
	if !ok {
		return nil, false
	}
	return us.LastMaxFeeLimit, true
}

func (s *BatchState) GetUserTotalFeesInQueue(addr common.Address) (*big.Int, bool) {
	us, ok := s.UserStates[addr]
	if !ok {
		return nil, false
	}
	return us.TotalFeesInQueue, true
}

// GetEntry looks up the queued entry for (sender, nonce).
func (s *BatchState) GetEntry(sender common.Address, nonce *big.Int) (*queue.Entry, bool) {
	return s.Queue.Get(sender, nonce)
}

// MinFeeInBatch returns the smallest max_fee among the address's queued
// entries, or the unbounded limit when it has none.
func (s *BatchState) MinFeeInBatch(addr common.Address) *big.Int {
	min := new(big.Int).Set(maxUint256)
	for _, e := range s.Queue.Entries() {
		if e.Sender == addr && e.Data.MaxFee.Cmp(min) < 0 {
			min.Set(e.Data.MaxFee)
		}
	}
	return min
}

// UpdateUserState overwrites the full accounting tuple for an address.
// Returns false when the address has no state; update paths never create.
func (s *BatchState) UpdateUserState(addr common.Address, nonce, maxFeeLimit *big.Int, proofCount int, totalFees *big.Int) bool {
	us, ok := s.UserStates[addr]
	if !ok {
		return false
	}
	us.Nonce = new(big.Int).Set(nonce)
	us.LastMaxFeeLimit = new(big.Int).Set(maxFeeLimit)
	us.ProofCount = proofCount
	us.TotalFeesInQueue = new(big.Int).Set(totalFees)
	return true
}

func (s *BatchState) UpdateUserMaxFeeLimit(addr common.Address, maxFeeLimit *big.Int) bool {
	us, ok := s.UserStates[addr]
	if !ok {
		return false
	}
	us.LastMaxFeeLimit = new(big.Int).Set(maxFeeLimit)
	return true
}

func (s *BatchState) UpdateUserProofCount(addr common.Address, proofCount int) bool {
	us, ok := s.UserStates[addr]
	if !ok {
		return false
	}
	us.ProofCount = proofCount
	return true
}

func (s *BatchState) UpdateUserTotalFeesInQueue(addr common.Address, totalFees *big.Int) bool {
	us, ok := s.UserStates[addr]
	if !ok {
		return false
	}
	us.TotalFeesInQueue = new(big.Int).Set(totalFees)
	return true
}

// ApplyReplacementFeeDelta adjusts the accumulated fees after a queued entry
// had its bid raised from oldMaxFee to newMaxFee.
func (s *BatchState) ApplyReplacementFeeDelta(addr common.Address, oldMaxFee, newMaxFee *big.Int) bool {
	us, ok := s.UserStates[addr]
	if !ok {
		return false
	}
	delta := new(big.Int).Sub(newMaxFee, oldMaxFee)
	us.TotalFeesInQueue = new(big.Int).Add(us.TotalFeesInQueue, delta)
	return true
}

// NewUserStatesData folds the current queue into per-address aggregates.
// Called after batch removal so every affected ledger row can be rebuilt
// from what actually remains queued.
func (s *BatchState) NewUserStatesData() map[common.Address]*UserStateData {
	out := make(map[common.Address]*UserStateData)
	for _, e := range s.Queue.Entries() {
		agg, ok := out[e.Sender]
		if !ok {
			agg = &UserStateData{
				MinFeeLimit:      new(big.Int).Set(maxUint256),
				TotalFeesInQueue: big.NewInt(0),
			}
			out[e.Sender] = agg
		}
		agg.ProofCount++
		agg.TotalFeesInQueue = new(big.Int).Add(agg.TotalFeesInQueue, e.Data.MaxFee)
		if e.Data.MaxFee.Cmp(agg.MinFeeLimit) < 0 {
			agg.MinFeeLimit = new(big.Int).Set(e.Data.MaxFee)
		}
	}
	return out
}

// EmptyUserStateData is the aggregate for an address with nothing queued.
func EmptyUserStateData() *UserStateData {
	return &UserStateData{
		ProofCount:       0,
		MinFeeLimit:      new(big.Int).Set(maxUint256),
		TotalFeesInQueue: big.NewInt(0),
	}
}
