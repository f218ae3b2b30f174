// Package queue holds the pending-proof priority queue and the batch
// feasibility computation. Entries are identified by (sender, nonce) and
// ordered by a separate (max fee, nonce) priority: the lowest fee pops
// first, so building a batch peels unwilling payers off the cheap end.
package queue

import (
	"bytes"
	"container/heap"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/DanDo385/zkbatcher/internal/types"
)

// Entry is one pending proof plus everything needed to respond to its
// submitter after batch inclusion.
type Entry struct {
	Data       types.NoncedVerificationData
	Commitment types.VerificationDataCommitment
	Sink       types.ResponseSink
	Signature  []byte
	Sender     common.Address

	serializedSize int
}

// NewEntry builds an entry, caching the serialized size of its verification
// data so batch-byte accounting never re-serializes.
func NewEntry(data types.NoncedVerificationData, commitment types.VerificationDataCommitment, sink types.ResponseSink, signature []byte, sender common.Address) (*Entry, error) {
	raw, err := types.MarshalCBOR(data.VerificationData)
	if err != nil {
		return nil, err
	}
	return &Entry{
		Data:           data,
		Commitment:     commitment,
		Sink:           sink,
		Signature:      signature,
		Sender:         sender,
		serializedSize: len(raw),
	}, nil
}

// SerializedSize is the length of the entry's serialized verification data.
func (e *Entry) SerializedSize() int { return e.serializedSize }

// Priority orders an entry in the queue, independently of its identity.
type Priority struct {
	MaxFee *big.Int
	Nonce  *big.Int
}

type entryKey struct {
	sender common.Address
	nonce  common.Hash
}

func keyOf(sender common.Address, nonce *big.Int) entryKey {
	return entryKey{sender: sender, nonce: common.BigToHash(nonce)}
}

type item struct {
	entry    *Entry
	priority Priority
	index    int
}

// popsBefore reports whether a should be popped before b: lower fee first,
// then higher nonce, then sender bytes for a total order.
func popsBefore(a, b *item) bool {
	if c := a.priority.MaxFee.Cmp(b.priority.MaxFee); c != 0 {
		return c < 0
	}
	if c := a.priority.Nonce.Cmp(b.priority.Nonce); c != 0 {
		return c > 0
	}
	return bytes.Compare(a.entry.Sender.Bytes(), b.entry.Sender.Bytes()) < 0
}

type entryHeap []*item

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return popsBefore(h[i], h[j]) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any)         { it := x.(*item); it.index = len(*h); *h = append(*h, it) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is the pending-proof container. It is not goroutine-safe; callers
// hold the batch-state lock.
type Queue struct {
	h       entryHeap
	byKey   map[entryKey]*item
	sizeSum int
}

func New() *Queue {
	return &Queue{byKey: make(map[entryKey]*item)}
}

// Push inserts the entry under its priority. An existing entry with the same
// (sender, nonce) is replaced, matching replace-by-fee semantics.
func (q *Queue) Push(e *Entry, p Priority) {
	k := keyOf(e.Sender, e.Data.Nonce)
	if old, ok := q.byKey[k]; ok {
		heap.Remove(&q.h, old.index)
		q.sizeSum -= old.entry.serializedSize
		delete(q.byKey, k)
	}
	it := &item{entry: e, priority: p}
	heap.Push(&q.h, it)
	q.byKey[k] = it
	q.sizeSum += e.serializedSize
}

// Pop removes and returns the lowest-priority entry.
func (q *Queue) Pop() (*Entry, bool) {
	if len(q.h) == 0 {
		return nil, false
	}
	it := heap.Pop(&q.h).(*item)
	delete(q.byKey, keyOf(it.entry.Sender, it.entry.Data.Nonce))
	q.sizeSum -= it.entry.serializedSize
	return it.entry, true
}

// Peek returns the lowest-priority entry without removing it.
func (q *Queue) Peek() (*Entry, bool) {
	if len(q.h) == 0 {
		return nil, false
	}
	return q.h[0].entry, true
}

// Get looks up an entry by its identity.
func (q *Queue) Get(sender common.Address, nonce *big.Int) (*Entry, bool) {
	it, ok := q.byKey[keyOf(sender, nonce)]
	if !ok {
		return nil, false
	}
	return it.entry, true
}

// Remove deletes the entry with the given identity and returns it.
func (q *Queue) Remove(sender common.Address, nonce *big.Int) (*Entry, bool) {
	k := keyOf(sender, nonce)
	it, ok := q.byKey[k]
	if !ok {
		return nil, false
	}
	heap.Remove(&q.h, it.index)
	delete(q.byKey, k)
	q.sizeSum -= it.entry.serializedSize
	return it.entry, true
}

func (q *Queue) Len() int { return len(q.h) }

// Entries returns the entries in unspecified order.
func (q *Queue) Entries() []*Entry {
	out := make([]*Entry, 0, len(q.h))
	for _, it := range q.h {
		out = append(out, it.entry)
	}
	return out
}

// Clear drops every entry.
func (q *Queue) Clear() {
	q.h = nil
	q.byKey = make(map[entryKey]*item)
	q.sizeSum = 0
}

// Clone returns an independent queue sharing the entry pointers.
func (q *Queue) Clone() *Queue {
	c := &Queue{
		h:       make(entryHeap, len(q.h)),
		byKey:   make(map[entryKey]*item, len(q.byKey)),
		sizeSum: q.sizeSum,
	}
	for i, it := range q.h {
		dup := &item{entry: it.entry, priority: it.priority, index: i}
		c.h[i] = dup
		c.byKey[keyOf(it.entry.Sender, it.entry.Data.Nonce)] = dup
	}
	return c
}

// BatchBytes is the serialized size of the batch the queue currently
// represents: the sum of every entry's verification data plus the maximum
// CBOR array header overhead.
func (q *Queue) BatchBytes() int {
	return types.CBORArrayMaxOverhead + q.sizeSum
}

// ErrBatchCostTooHigh means no submitter in the queue is willing to pay the
// amortized fee a batch of the remaining entries would cost.
var ErrBatchCostTooHigh = errors.New("queue: batch cost too high for every queued proof")

// FeePerProof is the amortized per-proof cost of submitting a batch of
// batchLen proofs at the given gas price.
func FeePerProof(batchLen int, gasPrice *big.Int, constantGasCost uint64) *big.Int {
	gasPerProof := (constantGasCost + types.AdditionalSubmissionGasCostPerProof*uint64(batchLen)) / uint64(batchLen)
	return new(big.Int).Mul(new(big.Int).SetUint64(gasPerProof), gasPrice)
}

// TryBuildBatch peels entries off the cheap end of the queue until the
// remainder is feasible: total size within maxBatchBytes, cardinality within
// maxProofQty, and the amortized fee per proof covered by the smallest fee
// bid left in the batch. The input queue is not modified.
//
// The selected entries are returned in pop order (lowest fee first, higher
// nonce first on ties); this is the Merkle leaf order.
func TryBuildBatch(q *Queue, gasPrice *big.Int, maxBatchBytes, maxProofQty int, constantGasCost uint64) ([]*Entry, error) {
	work := q.Clone()
	batchSize := work.BatchBytes()

	for {
		peek, ok := work.Peek()
		if !ok {
			break
		}
		batchLen := work.Len()
		feePerProof := FeePerProof(batchLen, gasPrice, constantGasCost)

		if batchSize > maxBatchBytes || feePerProof.Cmp(peek.Data.MaxFee) > 0 || batchLen > maxProofQty {
			batchSize -= peek.serializedSize
			work.Pop()
			continue
		}
		break
	}

	if work.Len() == 0 {
		return nil, ErrBatchCostTooHigh
	}

	finalized := make([]*Entry, 0, work.Len())
	for {
		e, ok := work.Pop()
		if !ok {
			break
		}
		finalized = append(finalized, e)
	}
	return finalized, nil
}
