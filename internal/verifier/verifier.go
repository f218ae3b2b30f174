// Package verifier dispatches pre-verification of submitted proofs to the
// per-system verifier functions and answers disabled-verifier queries
// against the on-chain bitmap.
package verifier

import (
	"context"
	"math/big"

	"github.com/DanDo385/zkbatcher/internal/types"
)

// Func checks a proof for one proving system. Implementations are pure:
// bytes in, verdict out.
type Func func(ctx context.Context, vd *types.VerificationData) bool

// Registry maps proving systems to their verifiers.
type Registry struct {
	verifiers map[types.ProvingSystemID]Func
}

func NewRegistry() *Registry {
	return &Registry{verifiers: make(map[types.ProvingSystemID]Func)}
}

func (r *Registry) Register(id types.ProvingSystemID, fn Func) {
	r.verifiers[id] = fn
}

// Verify runs the verifier registered for the proof's system. A proof for a
// system with no registered verifier is rejected.
func (r *Registry) Verify(ctx context.Context, vd *types.VerificationData) bool {
	fn, ok := r.verifiers[vd.ProvingSystem]
	if !ok {
		return false
	}
	return fn(ctx, vd)
}

// IsDisabled tests the proving system's bit in the on-chain bitmap.
func IsDisabled(bitmap *big.Int, id types.ProvingSystemID) bool {
	return bitmap != nil && bitmap.Bit(int(id)) == 1
}

// DefaultRegistry registers structural verifiers for every known system:
// the proof must be present and the system-specific artifact it is checked
// against must accompany it. The cryptographic verifiers are external
// collaborators and are wired in by the caller when available.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	requireProgramCode := func(_ context.Context, vd *types.VerificationData) bool {
		return len(vd.Proof) > 0 && len(vd.VMProgramCode) > 0
	}
	requireVerificationKey := func(_ context.Context, vd *types.VerificationData) bool {
		return len(vd.Proof) > 0 && len(vd.VerificationKey) > 0
	}
	r.Register(types.SP1, requireProgramCode)
	r.Register(types.Risc0, requireProgramCode)
	r.Register(types.GnarkPlonkBls12_381, requireVerificationKey)
	r.Register(types.GnarkPlonkBn254, requireVerificationKey)
	r.Register(types.GnarkGroth16Bn254, requireVerificationKey)
	return r
}
