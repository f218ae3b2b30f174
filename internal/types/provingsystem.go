package types

import "fmt"

// ProvingSystemID identifies the proof system a submission was produced with.
// The numeric values are part of the wire protocol and of the on-chain
// disabled-verifiers bitmap, so they must never be reordered.
type ProvingSystemID uint16

const (
	GnarkPlonkBls12_381 ProvingSystemID = iota
	GnarkPlonkBn254
	GnarkGroth16Bn254
	SP1
	Risc0
)

func (id ProvingSystemID) String() string {
	switch id {
	case GnarkPlonkBls12_381:
		return "GnarkPlonkBls12_381"
	case GnarkPlonkBn254:
		return "GnarkPlonkBn254"
	case GnarkGroth16Bn254:
		return "Groth16Bn254"
	case SP1:
		return "SP1"
	case Risc0:
		return "Risc0"
	default:
		return fmt.Sprintf("ProvingSystemID(%d)", uint16(id))
	}
}

// Valid reports whether id names a proving system this gateway knows about.
func (id ProvingSystemID) Valid() bool {
	return id <= Risc0
}
