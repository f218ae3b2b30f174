package types

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// EIP-712 typed-data signing for nonced verification data. The domain is
// bound to the chain id and the payment service contract, so a signature is
// only valid for the network and deployment it was produced for.

var (
	eip712DomainTypeHash = crypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)
	noncedVerificationDataTypeHash = crypto.Keccak256(
		[]byte("NoncedVerificationData(bytes32 verificationDataHash,uint256 nonce,uint256 maxFee)"),
	)
	domainNameHash    = crypto.Keccak256([]byte("zkbatcher"))
	domainVersionHash = crypto.Keccak256([]byte("1"))
)

var ErrInvalidSignature = errors.New("invalid signature")

func domainSeparator(chainID *big.Int, verifyingContract common.Address) []byte {
	return crypto.Keccak256(
		eip712DomainTypeHash,
		domainNameHash,
		domainVersionHash,
		math.U256Bytes(new(big.Int).Set(chainID)),
		common.LeftPadBytes(verifyingContract.Bytes(), 32),
	)
}

// SigningHash returns the EIP-712 digest a submitter signs for this message.
func (nvd *NoncedVerificationData) SigningHash() common.Hash {
	leaf := NewCommitment(&nvd.VerificationData).Leaf()
	structHash := crypto.Keccak256(
		noncedVerificationDataTypeHash,
		leaf[:],
		math.U256Bytes(new(big.Int).Set(nvd.Nonce)),
		math.U256Bytes(new(big.Int).Set(nvd.MaxFee)),
	)
	digest := crypto.Keccak256(
		[]byte{0x19, 0x01},
		domainSeparator(nvd.ChainID, nvd.PaymentServiceAddr),
		structHash,
	)
	return common.BytesToHash(digest)
}

// RecoverAddress recovers the submitter address from the message signature.
func (m *SubmitProofMessage) RecoverAddress() (common.Address, error) {
	if len(m.Signature) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, m.Signature)
	// Accept both the raw recovery id and the legacy 27/28 encoding.
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	digest := m.VerificationData.SigningHash()
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignSubmitProofMessage signs nonced verification data with the given key.
// Used by the non-paying flow to re-sign under the replacement signer, and by
// clients and tests.
func SignSubmitProofMessage(nvd *NoncedVerificationData, key *ecdsa.PrivateKey) (*SubmitProofMessage, error) {
	digest := nvd.SigningHash()
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, err
	}
	return &SubmitProofMessage{VerificationData: *nvd, Signature: sig}, nil
}
