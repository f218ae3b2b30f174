package types

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// VerificationData is the client-supplied payload for a single proof. It is
// immutable once received; everything derived from it (commitments, batch
// bytes) is a pure function of these fields.
type VerificationData struct {
	ProvingSystem      ProvingSystemID `cbor:"proving_system"`
	Proof              []byte          `cbor:"proof"`
	PublicInput        []byte          `cbor:"pub_input,omitempty"`
	VerificationKey    []byte          `cbor:"verification_key,omitempty"`
	VMProgramCode      []byte          `cbor:"vm_program_code,omitempty"`
	ProofGeneratorAddr common.Address  `cbor:"proof_generator_addr"`
}

// NoncedVerificationData couples verification data with the submitter's fee
// bid and strictly-increasing per-address sequence number.
type NoncedVerificationData struct {
	VerificationData   VerificationData `cbor:"verification_data"`
	Nonce              *big.Int         `cbor:"nonce"`
	MaxFee             *big.Int         `cbor:"max_fee"`
	ChainID            *big.Int         `cbor:"chain_id"`
	PaymentServiceAddr common.Address   `cbor:"payment_service_addr"`
}

// VerificationDataCommitment is the set of digests a submission is committed
// to in a batch. The Merkle leaf is the keccak of the four fields
// concatenated in declaration order.
type VerificationDataCommitment struct {
	ProofCommitment                [32]byte `cbor:"proof_commitment"`
	PublicInputCommitment          [32]byte `cbor:"pub_input_commitment"`
	ProvingSystemAuxDataCommitment [32]byte `cbor:"proving_system_aux_data_commitment"`
	ProofGeneratorAddrCommitment   [32]byte `cbor:"proof_generator_addr_commitment"`
}

// NewCommitment derives the commitment for the given verification data.
func NewCommitment(vd *VerificationData) VerificationDataCommitment {
	var c VerificationDataCommitment

	copy(c.ProofCommitment[:], crypto.Keccak256(vd.Proof))
	copy(c.PublicInputCommitment[:], crypto.Keccak256(vd.PublicInput))

	// The aux commitment binds the proving system id together with whatever
	// system-specific artifact accompanies the proof (program code for
	// zkVMs, verification key for circuit systems).
	aux := make([]byte, 0, 2+len(vd.VMProgramCode)+len(vd.VerificationKey))
	aux = append(aux, byte(vd.ProvingSystem>>8), byte(vd.ProvingSystem))
	aux = append(aux, vd.VMProgramCode...)
	aux = append(aux, vd.VerificationKey...)
	copy(c.ProvingSystemAuxDataCommitment[:], crypto.Keccak256(aux))

	copy(c.ProofGeneratorAddrCommitment[:], crypto.Keccak256(vd.ProofGeneratorAddr.Bytes()))
	return c
}

// Leaf returns the Merkle leaf for this commitment.
func (c VerificationDataCommitment) Leaf() [32]byte {
	var buf bytes.Buffer
	buf.Write(c.ProofCommitment[:])
	buf.Write(c.PublicInputCommitment[:])
	buf.Write(c.ProvingSystemAuxDataCommitment[:])
	buf.Write(c.ProofGeneratorAddrCommitment[:])

	var leaf [32]byte
	copy(leaf[:], crypto.Keccak256(buf.Bytes()))
	return leaf
}
