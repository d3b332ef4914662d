package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/gsn-relay/client"
	"github.com/flashbots/gsn-relay/ledger"
	"github.com/flashbots/gsn-relay/penalizer"
	"github.com/flashbots/gsn-relay/types"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

const defaultAuditForwardTimeout = 5 * time.Second

// AuditVerdict is the outcome of auditing a transaction
type AuditVerdict string

const (
	AuditIgnored       AuditVerdict = "ignored"
	AuditClean         AuditVerdict = "clean"
	AuditIllegal       AuditVerdict = "illegal"
	AuditRepeatedNonce AuditVerdict = "repeated-nonce"
)

// AuditResult describes an audited transaction
type AuditResult struct {
	Verdict  AuditVerdict
	Signer   common.Address
	Evidence *penalizer.Evidence
	// Conflicting is the earlier transaction with the same nonce
	Conflicting *penalizer.Evidence
	// Penalization is set if the misbehaviour was reported to the hub
	Penalization *ethtypes.Transaction
}

// AuditForwarder sends audited transactions on to the other relays registered on the hub
type AuditForwarder struct {
	log        *logrus.Entry
	hub        *ledger.Hub
	helper     *client.ServerHelper
	httpClient http.Client
	fromBlock  uint64
	self       common.Address
	forwarded  *cache.Cache
}

// NewAuditForwarder creates a forwarder that discovers peer relays from fromBlock
func NewAuditForwarder(log *logrus.Entry, hub *ledger.Hub, self common.Address, fromBlock uint64) *AuditForwarder {
	return &AuditForwarder{
		log:        log.WithField("module", "audit-forwarder"),
		hub:        hub,
		helper:     client.NewServerHelper(log),
		httpClient: http.Client{Timeout: defaultAuditForwardTimeout},
		fromBlock:  fromBlock,
		self:       self,
		forwarded:  cache.New(DefaultAuditCacheTTL, DefaultAuditCacheTTL),
	}
}

// Forward posts the transaction to every active relay except this one and the transaction's signer.
// Each transaction is forwarded at most once.
func (f *AuditForwarder) Forward(ctx context.Context, tx *ethtypes.Transaction, signer common.Address) {
	key := tx.Hash().Hex()
	if _, found := f.forwarded.Get(key); found {
		return
	}
	f.forwarded.Set(key, struct{}{}, cache.DefaultExpiration)

	relays, err := f.helper.FetchActiveRelays(ctx, f.hub, f.fromBlock)
	if err != nil {
		f.log.WithError(err).Debug("no relays to forward audit to")
		return
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		f.log.WithError(err).Error("could not encode transaction for audit")
		return
	}
	body := &types.AuditRequest{SignedTx: raw}

	var wg sync.WaitGroup
	for _, relay := range relays {
		if relay.Address == f.self || relay.Address == signer {
			continue
		}
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			_, err := types.SendHTTPRequest(ctx, f.httpClient, http.MethodPost, url+pathAudit, "", nil, body, nil)
			if err != nil {
				f.log.WithError(err).WithField("relay", url).Debug("could not forward audit")
			}
		}(relay.URL)
	}
	wg.Wait()
}

// Audit checks a signed transaction of another relay for penalizable misbehaviour.
// Transactions of unstaked signers are ignored.
func (s *RelayServer) Audit(ctx context.Context, raw []byte) (*AuditResult, error) {
	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, reject(errInvalidRequest, "could not decode signedTx: %s", err)
	}

	chainID := s.ChainID()
	if chainID == nil {
		var err error
		chainID, err = s.backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: chain id: %w", types.ErrChainRPCFailure, err)
		}
	}

	evidence, err := penalizer.FromTransaction(tx, chainID)
	if err != nil {
		return nil, reject(errInvalidRequest, "%s", err)
	}
	log := s.log.WithFields(logrus.Fields{
		"method": "audit",
		"signer": evidence.Signer.Hex(),
		"nonce":  evidence.Nonce,
		"txHash": evidence.TxHash.Hex(),
	})

	result := &AuditResult{Verdict: AuditIgnored, Signer: evidence.Signer, Evidence: evidence}
	defer func() {
		s.metrics.audits.WithLabelValues(string(result.Verdict)).Inc()
	}()

	stake, err := s.hub.GetRelay(ctx, evidence.Signer)
	if err != nil {
		return nil, fmt.Errorf("%w: getRelay: %w", types.ErrChainRPCFailure, err)
	}
	if stake.TotalStake == nil || stake.TotalStake.Sign() == 0 {
		log.Debug("signer is not a staked relay")
		return result, nil
	}
	result.Verdict = AuditClean

	if penalizer.CheckIllegalTransaction(evidence, s.hub) == nil {
		result.Verdict = AuditIllegal
		log.Warn("staked relay sent an illegal transaction")
		if s.penalizer != nil {
			result.Penalization, err = s.penalizer.PenalizeIllegalTransaction(ctx, evidence)
			if err != nil {
				return result, err
			}
		}
	} else if earlier := s.recordSeen(evidence); earlier != nil {
		result.Verdict = AuditRepeatedNonce
		result.Conflicting = earlier
		log.WithField("conflictingTxHash", earlier.TxHash.Hex()).Warn("staked relay signed two transactions with the same nonce")
		if s.penalizer != nil {
			result.Penalization, err = s.penalizer.PenalizeRepeatedNonce(ctx, earlier, evidence)
			if err != nil {
				return result, err
			}
		}
	}

	if s.forwarder != nil {
		s.forwarder.Forward(ctx, tx, evidence.Signer)
	}
	return result, nil
}

// recordSeen stores the evidence and returns an earlier, different transaction with the same signer and nonce
func (s *RelayServer) recordSeen(e *penalizer.Evidence) *penalizer.Evidence {
	key := fmt.Sprintf("%s:%d", e.Signer.Hex(), e.Nonce)
	for {
		if err := s.seen.Add(key, e, cache.DefaultExpiration); err == nil {
			return nil
		}
		// the entry may expire between Add and Get
		if cached, found := s.seen.Get(key); found {
			earlier := cached.(*penalizer.Evidence)
			if penalizer.CheckRepeatedNonce(earlier, e) == nil {
				return earlier
			}
			return nil
		}
	}
}
