package main

import (
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/xerrors"
)

func generateKey(path string) (common.Address, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return common.Address{}, xerrors.Errorf("creating key directory: %w", err)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, err
	}
	if err := crypto.SaveECDSA(path, key); err != nil {
		return common.Address{}, xerrors.Errorf("saving key: %w", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}
