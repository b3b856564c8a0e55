// Package permit implements the provider-onboarding authorization token:
// a keccak digest over the onboarding parameters, signed by the
// administrator key and verified with EIP-191 ecrecover.
package permit

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Digest hashes the onboarding tuple the way the signer does:
// keccak256(signer || caller || providerID || fee || period || networkID)
// with addresses packed as 20 bytes and integers as 32-byte big-endian
// words, then wrapped in the EIP-191 signed-message convention.
func Digest(signer, caller common.Address, providerID, fee uint64, periodSeconds int64, networkID uint64) []byte {
	buf := make([]byte, 0, 2*common.AddressLength+4*32)
	buf = append(buf, signer.Bytes()...)
	buf = append(buf, caller.Bytes()...)
	buf = appendWord(buf, providerID)
	buf = appendWord(buf, fee)
	buf = appendWord(buf, uint64(periodSeconds))
	buf = appendWord(buf, networkID)

	inner := crypto.Keccak256(buf)
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(inner))
	return crypto.Keccak256([]byte(prefix), inner)
}

func appendWord(b []byte, v uint64) []byte {
	var word [32]byte
	word[24] = byte(v >> 56)
	word[25] = byte(v >> 48)
	word[26] = byte(v >> 40)
	word[27] = byte(v >> 32)
	word[28] = byte(v >> 24)
	word[29] = byte(v >> 16)
	word[30] = byte(v >> 8)
	word[31] = byte(v)
	return append(b, word[:]...)
}

// Recover extracts the signing address from a 65-byte (R || S || V)
// signature over digest. V may be {0,1} or {27,28}. High-s signatures
// are rejected: a flipped-s copy of a consumed permit would otherwise
// carry a fresh fingerprint.
func Recover(digest, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}

	// Normalize V: Ethereum uses 27/28, ecrecover expects 0/1
	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}

	r := new(big.Int).SetBytes(sigCopy[:32])
	s := new(big.Int).SetBytes(sigCopy[32:64])
	if !crypto.ValidateSignatureValues(sigCopy[64], r, s, true) {
		return common.Address{}, errors.New("invalid signature values")
	}

	pub, err := crypto.SigToPub(digest, sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether sig is signer's signature over the onboarding
// tuple. Pure verification; replay protection is the caller's job.
func Verify(signer, caller common.Address, providerID, fee uint64, periodSeconds int64, networkID uint64, sig []byte) bool {
	digest := Digest(signer, caller, providerID, fee, periodSeconds, networkID)
	recovered, err := Recover(digest, sig)
	if err != nil {
		return false
	}
	return strings.EqualFold(recovered.Hex(), signer.Hex())
}

// Sign produces a permit signature with V converted to 27/28.
// Used by the permitgen tool and tests.
func Sign(key *ecdsa.PrivateKey, caller common.Address, providerID, fee uint64, periodSeconds int64, networkID uint64) ([]byte, error) {
	signer := crypto.PubkeyToAddress(key.PublicKey)
	digest := Digest(signer, caller, providerID, fee, periodSeconds, networkID)
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// Fingerprint identifies a consumed permit in the used-signature set.
func Fingerprint(sig []byte) common.Hash {
	return crypto.Keccak256Hash(sig)
}
