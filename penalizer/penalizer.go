package penalizer

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/gsn-relay/ledger"
	"github.com/flashbots/gsn-relay/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrDifferentSigners = errors.New("transactions have different signers")
	ErrNoncesDiffer     = errors.New("transactions have different nonces")
	ErrSameTransaction  = errors.New("transactions are identical")
	ErrLegalTransaction = errors.New("transaction is a legal relay transaction")
	ErrNotStaked        = errors.New("signer has no stake to penalize")
)

// legalHubMethods are the hub calls a staked relay may send
var legalHubMethods = []string{"relayCall", "registerRelay"}

// CheckRepeatedNonce accepts two pieces of evidence only if the same relay signed different payloads with the same nonce
func CheckRepeatedNonce(a, b *Evidence) error {
	if a.Signer != b.Signer {
		return ErrDifferentSigners
	}
	if a.Nonce != b.Nonce {
		return ErrNoncesDiffer
	}
	if bytes.Equal(a.UnsignedTx, b.UnsignedTx) {
		return ErrSameTransaction
	}
	return nil
}

// CheckIllegalTransaction accepts the evidence only if the transaction is not one of the hub calls a relay may send
func CheckIllegalTransaction(e *Evidence, hub *ledger.Hub) error {
	if e.To == nil || *e.To != hub.Address() {
		return nil
	}
	for _, method := range legalHubMethods {
		if hub.IsMethodCall(e.Data, method) {
			return ErrLegalTransaction
		}
	}
	return nil
}

// Submitter sends a transaction to the ledger
type Submitter interface {
	Submit(ctx context.Context, to common.Address, data []byte) (*ethtypes.Transaction, error)
}

// Penalizer submits penalization calls to the hub
type Penalizer struct {
	log       *logrus.Entry
	hub       *ledger.Hub
	submitter Submitter
}

func New(log *logrus.Entry, hub *ledger.Hub, submitter Submitter) *Penalizer {
	return &Penalizer{
		log:       log.WithField("module", "penalizer"),
		hub:       hub,
		submitter: submitter,
	}
}

func (p *Penalizer) checkStaked(ctx context.Context, relay common.Address) error {
	stake, err := p.hub.GetRelay(ctx, relay)
	if err != nil {
		return err
	}
	if stake.TotalStake == nil || stake.TotalStake.Sign() == 0 {
		return fmt.Errorf("%w: %s is %s", ErrNotStaked, relay.Hex(), stake.State)
	}
	return nil
}

// PenalizeRepeatedNonce proves that a relay signed two transactions with the same nonce
func (p *Penalizer) PenalizeRepeatedNonce(ctx context.Context, a, b *Evidence) (*ethtypes.Transaction, error) {
	if err := CheckRepeatedNonce(a, b); err != nil {
		return nil, err
	}
	if err := p.checkStaked(ctx, a.Signer); err != nil {
		return nil, err
	}
	data, err := p.hub.PackPenalizeRepeatedNonce(a.UnsignedTx, a.Signature, b.UnsignedTx, b.Signature)
	if err != nil {
		return nil, errors.Wrap(err, "pack penalizeRepeatedNonce")
	}
	return p.submit(ctx, "repeatedNonce", a.Signer, data)
}

// PenalizeIllegalTransaction proves that a staked relay sent a transaction other than a relayed call
func (p *Penalizer) PenalizeIllegalTransaction(ctx context.Context, e *Evidence) (*ethtypes.Transaction, error) {
	if err := CheckIllegalTransaction(e, p.hub); err != nil {
		return nil, err
	}
	if err := p.checkStaked(ctx, e.Signer); err != nil {
		return nil, err
	}
	data, err := p.hub.PackPenalizeIllegalTransaction(e.UnsignedTx, e.Signature)
	if err != nil {
		return nil, errors.Wrap(err, "pack penalizeIllegalTransaction")
	}
	return p.submit(ctx, "illegalTransaction", e.Signer, data)
}

func (p *Penalizer) submit(ctx context.Context, kind string, relay common.Address, data []byte) (*ethtypes.Transaction, error) {
	log := p.log.WithFields(logrus.Fields{
		"kind":  kind,
		"relay": relay.Hex(),
	})
	tx, err := p.submitter.Submit(ctx, p.hub.Address(), data)
	if err != nil {
		log.WithError(err).Error("could not submit penalization")
		if errors.Is(err, types.ErrChainRPCFailure) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: penalize: %w", types.ErrChainRPCFailure, err)
	}
	log.WithField("txHash", tx.Hash().Hex()).Info("submitted penalization")
	return tx, nil
}
