package server

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/gsn-relay/ledger"
	"github.com/flashbots/gsn-relay/types"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
)

// calldata gas as charged by the ledger
const (
	txDataZeroGas    = 4
	txDataNonZeroGas = 16
)

// CreateRelayTransaction checks a relay request against the relay's economics and the hub,
// then signs and broadcasts the relayCall. Refused requests return a *RejectionError.
func (s *RelayServer) CreateRelayTransaction(ctx context.Context, req *types.RelayTransactionRequest) (*ethtypes.Transaction, error) {
	log := s.log.WithFields(logrus.Fields{
		"method": "createRelayTransaction",
		"from":   req.From.Hex(),
		"to":     req.To.Hex(),
	})

	tx, err := s.createRelayTransaction(ctx, req)
	if err != nil {
		result := "error"
		var rejection *RejectionError
		if errors.As(err, &rejection) {
			result = "rejected"
		}
		s.metrics.relayRequests.WithLabelValues(result).Inc()
		log.WithError(err).Info("relay request refused")
		return nil, err
	}

	s.metrics.relayRequests.WithLabelValues("relayed").Inc()
	log.WithFields(logrus.Fields{
		"txHash": tx.Hash().Hex(),
		"nonce":  tx.Nonce(),
	}).Info("relayed transaction")
	return tx, nil
}

func (s *RelayServer) createRelayTransaction(ctx context.Context, req *types.RelayTransactionRequest) (*ethtypes.Transaction, error) {
	if req.GasPrice == nil || req.GasLimit == nil || req.RelayFee == nil || req.RecipientNonce == nil {
		return nil, reject(errInvalidRequest, "missing gasPrice, gasLimit, relayFee or RecipientNonce")
	}
	if len(req.Signature) == 0 {
		return nil, reject(errInvalidRequest, "missing signature")
	}
	if !s.IsReady() {
		return nil, reject(errNotReady, "")
	}

	if req.RelayHubAddress != s.hub.Address() {
		return nil, reject(types.ErrConfigMismatch, "wrong hub address %s, relay uses %s", req.RelayHubAddress.Hex(), s.hub.Address().Hex())
	}
	if req.RelayFee.Cmp(s.cfg.Fee) < 0 {
		return nil, reject(errFeeTooLow, "fee %s below %s", req.RelayFee, s.cfg.Fee)
	}
	gasPrice := s.GasPrice()
	if req.GasPrice.Cmp(gasPrice) < 0 {
		return nil, reject(errGasPriceTooLow, "gas price %s below %s", req.GasPrice, gasPrice)
	}
	if nonce := s.sender.Nonce(); req.RelayMaxNonce < nonce {
		return nil, reject(types.ErrNonceExceeded, "RelayMaxNonce %d below relay nonce %d", req.RelayMaxNonce, nonce)
	}

	call := &ledger.RelayCall{
		From:            req.From,
		Recipient:       req.To,
		EncodedFunction: req.EncodedFunction,
		TransactionFee:  req.RelayFee,
		GasPrice:        req.GasPrice,
		GasLimit:        req.GasLimit,
		Nonce:           req.RecipientNonce,
		Signature:       req.Signature,
		ApprovalData:    req.ApprovalData,
	}

	status, _, err := s.hub.CanRelay(ctx, s.Address(), call)
	if err != nil {
		return nil, fmt.Errorf("%w: canRelay: %w", types.ErrChainRPCFailure, err)
	}
	if status.Sign() != 0 {
		return nil, reject(errCanRelayFailed, "%s", ledger.CanRelayReason(status))
	}

	maxCharge, err := s.hub.MaxPossibleCharge(ctx, req.GasLimit, req.GasPrice, req.RelayFee)
	if err != nil {
		return nil, fmt.Errorf("%w: maxPossibleCharge: %w", types.ErrChainRPCFailure, err)
	}
	deposit, err := s.hub.BalanceOf(ctx, req.To)
	if err != nil {
		return nil, fmt.Errorf("%w: balanceOf: %w", types.ErrChainRPCFailure, err)
	}
	if deposit.Cmp(maxCharge) < 0 {
		return nil, reject(types.ErrInsufficientStakeOrBalance, "recipient deposit %s below max possible charge %s", deposit, maxCharge)
	}

	required, err := s.hub.RequiredGas(ctx, req.GasLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: requiredGas: %w", types.ErrChainRPCFailure, err)
	}
	gasLimit, err := relayGasLimit(required, req.EncodedFunction, req.ApprovalData)
	if err != nil {
		return nil, reject(errInvalidRequest, "%s", err)
	}

	data, err := s.hub.PackRelayCall(call)
	if err != nil {
		return nil, reject(errInvalidRequest, "%s", err)
	}
	maxNonce := req.RelayMaxNonce
	return s.sender.Send(ctx, TxDetails{
		Kind:     "relay",
		To:       s.hub.Address(),
		Data:     data,
		GasLimit: gasLimit,
		GasPrice: req.GasPrice,
		MaxNonce: &maxNonce,
	})
}

// relayGasLimit adds the calldata cost of the relayed payloads to the hub's required gas
func relayGasLimit(required *big.Int, payloads ...[]byte) (uint64, error) {
	if required == nil || required.Sign() < 0 {
		return 0, fmt.Errorf("invalid required gas %v", required)
	}
	total, overflow := uint256.FromBig(required)
	if overflow {
		return 0, fmt.Errorf("required gas %s out of range", required)
	}
	total.Add(total, uint256.NewInt(calldataGas(payloads...)))
	if !total.IsUint64() {
		return 0, fmt.Errorf("gas limit %s out of range", total)
	}
	return total.Uint64(), nil
}

func calldataGas(payloads ...[]byte) uint64 {
	var gas uint64
	for _, p := range payloads {
		for _, b := range p {
			if b == 0 {
				gas += txDataZeroGas
			} else {
				gas += txDataNonZeroGas
			}
		}
	}
	return gas
}
