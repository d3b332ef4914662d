package client

import (
	"context"
	"crypto/ecdsa"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var errNilSignFunc = errors.New("account signer needs a sign function")

// RequestSigner signs relay request digests on behalf of the sender
type RequestSigner interface {
	Address() common.Address
	// SignHash returns a 65 byte r || s || v signature with v in {27, 28}
	SignHash(ctx context.Context, hash common.Hash) ([]byte, error)
}

// KeySigner signs with a locally held private key
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner wraps an existing private key
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// NewEphemeralSigner generates a fresh throwaway key
func NewEphemeralSigner() (*KeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewKeySigner(key), nil
}

func (s *KeySigner) Address() common.Address {
	return s.address
}

func (s *KeySigner) SignHash(_ context.Context, hash common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(hash.Bytes(), s.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignFunc delegates signing to an external account, e.g. a keystore or a remote signer
type SignFunc func(ctx context.Context, account common.Address, hash common.Hash) ([]byte, error)

// AccountSigner is a RequestSigner backed by a SignFunc
type AccountSigner struct {
	address common.Address
	sign    SignFunc
}

// NewAccountSigner binds an external signing capability to an account
func NewAccountSigner(address common.Address, sign SignFunc) (*AccountSigner, error) {
	if sign == nil {
		return nil, errNilSignFunc
	}
	return &AccountSigner{address: address, sign: sign}, nil
}

func (s *AccountSigner) Address() common.Address {
	return s.address
}

func (s *AccountSigner) SignHash(ctx context.Context, hash common.Hash) ([]byte, error) {
	sig, err := s.sign(ctx, s.address, hash)
	if err != nil {
		return nil, err
	}
	if len(sig) == crypto.SignatureLength && sig[crypto.RecoveryIDOffset] < 27 {
		sig[crypto.RecoveryIDOffset] += 27
	}
	return sig, nil
}
