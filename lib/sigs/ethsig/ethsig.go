// Package ethsig signs 32 byte digests with secp256k1 keys and recovers the
// signing account from 65 byte recoverable signatures, in the form the
// EVM ecrecover precompile understands.
package ethsig

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/xerrors"
)

// SignatureLength is the size of an r || s || v signature.
const SignatureLength = crypto.SignatureLength

// legacyV is added to the recovery id of produced signatures; ecrecover
// expects v in {27, 28}.
const legacyV = 27

var (
	ErrInvalidSignature = xerrors.New("invalid signature")
	ErrSignerMismatch   = xerrors.New("signature did not match")
)

// Sign produces an r || s || v signature over hash with v in {27, 28}.
func Sign(key *ecdsa.PrivateKey, hash []byte) ([]byte, error) {
	if len(hash) != common.HashLength {
		return nil, xerrors.Errorf("signing digest of %d bytes: %w", len(hash), ErrInvalidSignature)
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, xerrors.Errorf("signing digest: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += legacyV
	return sig, nil
}

// eip155V is the offset of chain id encoded v values: 35 + 2*chainID + id.
const eip155V = 35

// NormalizeV maps a signature v value to the raw recovery id (0 or 1).
// Raw (0, 1) and legacy (27, 28) values are always accepted. Chain id
// encoded values are only accepted for chainID, and a zero chainID accepts
// none. v is a single byte in a 65 byte signature, so only chain ids up to
// 110 can be encoded at all.
func NormalizeV(v, chainID uint64) (byte, error) {
	switch {
	case v == 0 || v == 1:
		return byte(v), nil
	case v == legacyV || v == legacyV+1:
		return byte(v - legacyV), nil
	case chainID != 0 && v >= eip155V:
		base := eip155V + 2*chainID
		if v != base && v != base+1 {
			return 0, xerrors.Errorf("recovery id %d not encoded for chain %d: %w", v, chainID, ErrInvalidSignature)
		}
		return byte(v - base), nil
	default:
		return 0, xerrors.Errorf("recovery id %d: %w", v, ErrInvalidSignature)
	}
}

// RecoverAddress recovers the account that produced sig over hash. Only
// raw and legacy v values are accepted.
func RecoverAddress(sig, hash []byte) (common.Address, error) {
	return RecoverAddressChain(sig, hash, 0)
}

// RecoverAddressChain is RecoverAddress also accepting v values encoded
// for chainID.
func RecoverAddressChain(sig, hash []byte, chainID uint64) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, xerrors.Errorf("signature length %d: %w", len(sig), ErrInvalidSignature)
	}
	if len(hash) != common.HashLength {
		return common.Address{}, xerrors.Errorf("digest length %d: %w", len(hash), ErrInvalidSignature)
	}

	v, err := NormalizeV(uint64(sig[crypto.RecoveryIDOffset]), chainID)
	if err != nil {
		return common.Address{}, err
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, false) {
		return common.Address{}, xerrors.Errorf("r/s out of range: %w", ErrInvalidSignature)
	}

	raw := make([]byte, SignatureLength)
	copy(raw, sig)
	raw[crypto.RecoveryIDOffset] = v

	pub, err := crypto.SigToPub(hash, raw)
	if err != nil {
		return common.Address{}, xerrors.Errorf("recovering public key (%s): %w", err, ErrInvalidSignature)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sig over hash was produced by expected.
func Verify(sig, hash []byte, expected common.Address) error {
	signer, err := RecoverAddress(sig, hash)
	if err != nil {
		return err
	}
	if signer != expected {
		return ErrSignerMismatch
	}
	return nil
}

// EthSignHash is the digest of a human readable message prefixed with
// "\x19Ethereum Signed Message:\n" and the message length, as produced by
// eth_sign / personal_sign.
func EthSignHash(message string) common.Hash {
	return common.BytesToHash(accounts.TextHash([]byte(message)))
}
