package server

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/gsn-relay/ledger"
	"github.com/flashbots/gsn-relay/types"
	"github.com/sirupsen/logrus"
)

// TxDetails describe a transaction the relay originates
type TxDetails struct {
	Kind  string
	To    common.Address
	Data  []byte
	Value *big.Int
	// GasLimit is estimated if zero
	GasLimit uint64
	// GasPrice defaults to the network's suggestion
	GasPrice *big.Int
	// MaxNonce refuses to sign if the next nonce is above it
	MaxNonce *uint64
}

// TxSender is the only place the relay key signs transactions. It owns the relay's nonce:
// reading, signing, broadcasting and incrementing happen under one lock.
type TxSender struct {
	log     *logrus.Entry
	backend ledger.Backend
	key     *ecdsa.PrivateKey
	address common.Address
	metrics *RelayMetrics

	mu      sync.Mutex
	chainID *big.Int
	nonce   uint64
}

func NewTxSender(log *logrus.Entry, backend ledger.Backend, key *ecdsa.PrivateKey, metrics *RelayMetrics) *TxSender {
	return &TxSender{
		log:     log.WithField("module", "tx-sender"),
		backend: backend,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		metrics: metrics,
	}
}

// Address returns the relay's account
func (s *TxSender) Address() common.Address {
	return s.address
}

// Nonce returns the nonce the next transaction will use, as far as the sender knows
func (s *TxSender) Nonce() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonce
}

// SetChainID sets the chain id transactions are signed for
func (s *TxSender) SetChainID(chainID *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chainID = new(big.Int).Set(chainID)
}

// Send builds, signs and broadcasts a transaction with the next nonce
func (s *TxSender) Send(ctx context.Context, d TxDetails) (*ethtypes.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chainID == nil {
		chainID, err := s.backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: chain id: %w", types.ErrChainRPCFailure, err)
		}
		s.chainID = chainID
	}
	if err := s.syncNonce(ctx); err != nil {
		return nil, err
	}

	gasPrice := d.GasPrice
	if gasPrice == nil {
		var err error
		gasPrice, err = s.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: gas price: %w", types.ErrChainRPCFailure, err)
		}
	}
	value := d.Value
	if value == nil {
		value = new(big.Int)
	}
	gasLimit := d.GasLimit
	if gasLimit == 0 {
		to := d.To
		estimate, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: s.address, To: &to, GasPrice: gasPrice, Value: value, Data: d.Data})
		if err != nil {
			return nil, fmt.Errorf("%w: estimate gas: %w", types.ErrChainRPCFailure, err)
		}
		gasLimit = estimate
	}

	tx, err := s.signAndSend(ctx, d, gasPrice, gasLimit, value)
	if err != nil && isNonceTooLow(err) {
		s.log.WithError(err).WithField("nonce", s.nonce).Warn("nonce too low, resyncing")
		pending, perr := s.backend.PendingNonceAt(ctx, s.address)
		if perr != nil {
			return nil, fmt.Errorf("%w: pending nonce: %w", types.ErrChainRPCFailure, perr)
		}
		if pending > s.nonce {
			s.nonce = pending
		} else {
			s.nonce++
		}
		tx, err = s.signAndSend(ctx, d, gasPrice, gasLimit, value)
	}
	if err != nil {
		return nil, err
	}

	s.nonce++
	if s.metrics != nil {
		s.metrics.txsSent.WithLabelValues(d.Kind).Inc()
		s.metrics.nonce.Set(float64(s.nonce))
	}
	return tx, nil
}

// Sync raises the local nonce to the ledger's pending nonce
func (s *TxSender) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.syncNonce(ctx); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.nonce.Set(float64(s.nonce))
	}
	return nil
}

func (s *TxSender) syncNonce(ctx context.Context) error {
	pending, err := s.backend.PendingNonceAt(ctx, s.address)
	if err != nil {
		return fmt.Errorf("%w: pending nonce: %w", types.ErrChainRPCFailure, err)
	}
	if pending > s.nonce {
		s.nonce = pending
	}
	return nil
}

func (s *TxSender) signAndSend(ctx context.Context, d TxDetails, gasPrice *big.Int, gasLimit uint64, value *big.Int) (*ethtypes.Transaction, error) {
	if d.MaxNonce != nil && s.nonce > *d.MaxNonce {
		return nil, fmt.Errorf("%w: next nonce %d above %d", types.ErrNonceExceeded, s.nonce, *d.MaxNonce)
	}

	to := d.To
	tx, err := ethtypes.SignNewTx(s.key, ethtypes.NewEIP155Signer(s.chainID), &ethtypes.LegacyTx{
		Nonce:    s.nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    value,
		Data:     d.Data,
	})
	if err != nil {
		return nil, err
	}

	log := s.log.WithFields(logrus.Fields{
		"kind":   d.Kind,
		"nonce":  tx.Nonce(),
		"txHash": tx.Hash().Hex(),
	})
	if err := s.backend.SendTransaction(ctx, tx); err != nil {
		log.WithError(err).Warn("could not broadcast transaction")
		return nil, fmt.Errorf("%w: send transaction: %w", types.ErrChainRPCFailure, err)
	}
	log.Info("broadcast transaction")
	return tx, nil
}

func isNonceTooLow(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

// Submit sends a call with an estimated gas limit, for callers that only need to reach a contract
func (s *TxSender) Submit(ctx context.Context, to common.Address, data []byte) (*ethtypes.Transaction, error) {
	return s.Send(ctx, TxDetails{Kind: "penalize", To: to, Data: data})
}
