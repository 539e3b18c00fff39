package paychmgr

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/ethpaych/lib/ethpack"
	"github.com/filecoin-project/ethpaych/lib/sigs/ethsig"
)

// BalanceProofHash is the digest a sender signs to authorize balance on the
// channel (receiver, openBlock) of contract. It binds the proof to the
// channel, the amount and the contract instance.
func BalanceProofHash(receiver common.Address, openBlock uint32, balance *big.Int, contract common.Address) (common.Hash, error) {
	if balance == nil || balance.Sign() < 0 || balance.BitLen() > 192 {
		return common.Hash{}, xerrors.Errorf("balance %v: %w", balance, ErrInvalidBalanceAmount)
	}
	packed, err := ethpack.Pack(
		receiver,
		ethpack.Uint32(uint64(openBlock)),
		ethpack.Uint192(balance),
		contract,
	)
	if err != nil {
		return common.Hash{}, xerrors.Errorf("packing balance proof: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// ClosingAgreementHash is the digest the receiver signs to agree to a
// cooperative close at the balance proven by balanceSig.
func ClosingAgreementHash(balanceSig []byte) (common.Hash, error) {
	if len(balanceSig) == 0 {
		return common.Hash{}, ErrNoBalanceProofReceived
	}
	return crypto.Keccak256Hash(balanceSig), nil
}

// SignBalanceProof signs a balance proof with the sender's key.
func SignBalanceProof(key *ecdsa.PrivateKey, receiver common.Address, openBlock uint32, balance *big.Int, contract common.Address) ([]byte, error) {
	h, err := BalanceProofHash(receiver, openBlock, balance, contract)
	if err != nil {
		return nil, err
	}
	return ethsig.Sign(key, h.Bytes())
}

// SignClosingAgreement counter-signs a balance proof with the receiver's key.
func SignClosingAgreement(key *ecdsa.PrivateKey, balanceSig []byte) ([]byte, error) {
	h, err := ClosingAgreementHash(balanceSig)
	if err != nil {
		return nil, err
	}
	return ethsig.Sign(key, h.Bytes())
}

// RecoverBalanceProofSigner returns the account that signed a balance proof
// for the given parameters. v may be raw, legacy or encoded for networkID.
// Any failure is reported as ErrInvalidBalanceProof.
func RecoverBalanceProofSigner(receiver common.Address, openBlock uint32, balance *big.Int, contract common.Address, networkID uint64, sig []byte) (common.Address, error) {
	h, err := BalanceProofHash(receiver, openBlock, balance, contract)
	if err != nil {
		return common.Address{}, err
	}
	signer, err := ethsig.RecoverAddressChain(sig, h.Bytes(), networkID)
	if err != nil {
		return common.Address{}, xerrors.Errorf("%s: %w", err, ErrInvalidBalanceProof)
	}
	return signer, nil
}

// VerifyClosingAgreement checks that closingSig is the receiver's signature
// over balanceSig.
func VerifyClosingAgreement(balanceSig, closingSig []byte, receiver common.Address) error {
	h, err := ClosingAgreementHash(balanceSig)
	if err != nil {
		return err
	}
	if err := ethsig.Verify(closingSig, h.Bytes(), receiver); err != nil {
		return xerrors.Errorf("closing signature: %s: %w", err, ErrInvalidBalanceProof)
	}
	return nil
}
