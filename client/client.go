// Package client discovers relays, signs relay requests and validates what relays send back.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/gsn-relay/ledger"
	"github.com/flashbots/gsn-relay/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultLookupWindowBlocks is how far back relay registrations are scanned
	DefaultLookupWindowBlocks = 60000
	// DefaultRelayNonceGap is how many transactions a relay may queue ahead of the one it signs for us
	DefaultRelayNonceGap = 3
	// DefaultGasPriceFactorPercent is added on top of the network gas price
	DefaultGasPriceFactorPercent = 20
	DefaultPingTimeout           = 5 * time.Second
	DefaultRelayTimeout          = 10 * time.Second

	pathGetAddr = "/getaddr"
	pathRelay   = "/relay"
	pathAudit   = "/audit"
)

var (
	fallbackGasPrice = big.NewInt(1_000_000_000)

	errMissingSigner   = errors.New("relay options need a signer")
	errMissingTarget   = errors.New("relay options need a target")
	errMissingGasLimit = errors.New("relay options need a gas limit")

	benignBroadcastErrors = []string{"already known", "known transaction", "nonce too low"}
)

// ApprovalFunc computes the approvalData passed to the recipient's acceptRelayedCall
type ApprovalFunc func(ctx context.Context, req *types.RelayRequest) ([]byte, error)

// RelayOptions describe a single call to relay
type RelayOptions struct {
	// To is the recipient contract. It is also the paymaster charged for the call.
	To     common.Address
	Signer RequestSigner

	GasLimit *big.Int
	// GasPrice is used unless ForceGasPrice is set. If both are nil the network price plus GasPriceFactorPercent is used.
	GasPrice      *big.Int
	ForceGasPrice *big.Int
	// TransactionFee is the relay fee in percent. Defaults to each relay's advertised fee.
	TransactionFee *big.Int

	ApprovalFunc ApprovalFunc
}

// RelayResult is an accepted relayed transaction
type RelayResult struct {
	Transaction *ethtypes.Transaction
	Relay       *ActiveRelay
	// Errors lists the candidates that failed before this one succeeded
	Errors []error
}

// Option configures a RelayClient
type Option func(c *RelayClient)

func WithHTTPClient(httpClient http.Client) Option {
	return func(c *RelayClient) {
		c.httpClient = httpClient
	}
}

func WithPingTimeout(d time.Duration) Option {
	return func(c *RelayClient) {
		c.pingTimeout = d
	}
}

func WithRelayTimeout(d time.Duration) Option {
	return func(c *RelayClient) {
		c.relayTimeout = d
	}
}

func WithLookupWindow(blocks uint64) Option {
	return func(c *RelayClient) {
		c.lookupWindow = blocks
	}
}

func WithNonceGap(gap uint64) Option {
	return func(c *RelayClient) {
		c.nonceGap = gap
	}
}

func WithGasPriceFactorPercent(percent int64) Option {
	return func(c *RelayClient) {
		c.gasPriceFactor = percent
	}
}

// WithHelperOptions configures the relay discovery
func WithHelperOptions(opt ...HelperOption) Option {
	return func(c *RelayClient) {
		c.helperOpts = append(c.helperOpts, opt...)
	}
}

// WithHubABI binds a custom hub ABI instead of the built in one
func WithHubABI(abiJSON string) Option {
	return func(c *RelayClient) {
		c.hubABI = abiJSON
	}
}

// WithAudit forwards every accepted transaction to the other discovered relays for auditing
func WithAudit(enabled bool) Option {
	return func(c *RelayClient) {
		c.audit = enabled
	}
}

func WithUserAgent(ua types.UserAgent) Option {
	return func(c *RelayClient) {
		c.userAgent = ua
	}
}

// RelayClient sends calls through staked relays.
// Its failed relay record is private to the client, so separate clients do not influence each other.
type RelayClient struct {
	log     *logrus.Entry
	backend ledger.Backend
	helper  *ServerHelper
	failed  *failedRelays

	httpClient     http.Client
	userAgent      types.UserAgent
	pingTimeout    time.Duration
	relayTimeout   time.Duration
	lookupWindow   uint64
	nonceGap       uint64
	gasPriceFactor int64
	hubABI         string
	audit          bool
	helperOpts     []HelperOption
}

// NewRelayClient creates a RelayClient reading the ledger through backend
func NewRelayClient(log *logrus.Entry, backend ledger.Backend, opt ...Option) *RelayClient {
	c := &RelayClient{
		log:            log.WithField("module", "client"),
		backend:        backend,
		pingTimeout:    DefaultPingTimeout,
		relayTimeout:   DefaultRelayTimeout,
		lookupWindow:   DefaultLookupWindowBlocks,
		nonceGap:       DefaultRelayNonceGap,
		gasPriceFactor: DefaultGasPriceFactorPercent,
		failed:         newFailedRelays(DefaultFailedRelayWindow),
	}
	for _, o := range opt {
		o(c)
	}
	c.helper = NewServerHelper(log, c.helperOpts...)
	return c
}

// FailedRelays returns the relays which recently timed out
func (c *RelayClient) FailedRelays() []FailedRelay {
	return c.failed.list()
}

func (c *RelayClient) hub(ctx context.Context, target common.Address) (*ledger.Hub, error) {
	address, err := ledger.HubAddressOf(ctx, c.backend, target)
	if err != nil {
		return nil, err
	}
	if c.hubABI == "" {
		return ledger.NewHub(address, c.backend), nil
	}
	return ledger.NewHubWithABI(address, c.backend, c.hubABI)
}

// GasPrice resolves the gas price a request is signed with
func (c *RelayClient) GasPrice(ctx context.Context, opts *RelayOptions) (*big.Int, error) {
	if opts.ForceGasPrice != nil {
		return opts.ForceGasPrice, nil
	}
	if opts.GasPrice != nil {
		return opts.GasPrice, nil
	}
	network, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price: %w", types.ErrChainRPCFailure, err)
	}
	if network == nil || network.Sign() == 0 {
		c.log.Warn("network reported no gas price, using fallback")
		return new(big.Int).Set(fallbackGasPrice), nil
	}
	// round half up
	price := new(big.Int).Mul(network, big.NewInt(100+c.gasPriceFactor))
	price.Add(price, big.NewInt(50))
	return price.Div(price, big.NewInt(100)), nil
}

// RelayTransaction relays a call of encodedFunction on opts.To through the first relay that returns a valid transaction.
// It returns a *NoRelayResponded once all discovered relays failed.
func (c *RelayClient) RelayTransaction(ctx context.Context, encodedFunction []byte, opts RelayOptions) (*RelayResult, error) {
	if opts.Signer == nil {
		return nil, errMissingSigner
	}
	if opts.To == (common.Address{}) {
		return nil, errMissingTarget
	}
	if opts.GasLimit == nil {
		return nil, errMissingGasLimit
	}

	hub, err := c.hub(ctx, opts.To)
	if err != nil {
		return nil, err
	}
	from := opts.Signer.Address()
	senderNonce, err := hub.GetNonce(ctx, from)
	if err != nil {
		return nil, err
	}
	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: chain id: %w", types.ErrChainRPCFailure, err)
	}
	gasPrice, err := c.GasPrice(ctx, &opts)
	if err != nil {
		return nil, err
	}
	block, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: block number: %w", types.ErrChainRPCFailure, err)
	}
	var fromBlock uint64
	if block > c.lookupWindow {
		fromBlock = block - c.lookupWindow
	}

	relays, err := c.helper.FetchActiveRelays(ctx, hub, fromBlock)
	if err != nil {
		return nil, err
	}
	relays = c.failed.prioritize(relays)

	log := c.log.WithFields(logrus.Fields{
		"from":     from.Hex(),
		"to":       opts.To.Hex(),
		"hub":      hub.Address().Hex(),
		"gasPrice": gasPrice.String(),
		"relays":   len(relays),
	})
	log.Debug("relaying transaction")

	pinger := NewPinger(c.log, relays, gasPrice, c.ping)
	var errs []error
	attempted := 0
	for {
		candidate, err := pinger.NextRelay(ctx)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			break
		}
		attempted++

		req := &types.RelayRequest{
			Target:          opts.To,
			EncodedFunction: encodedFunction,
			GasData: types.GasData{
				GasLimit:     opts.GasLimit,
				GasPrice:     gasPrice,
				PctRelayFee:  opts.TransactionFee,
				BaseRelayFee: new(big.Int),
			},
			RelayData: types.RelayData{
				SenderAddress: from,
				SenderNonce:   senderNonce,
				RelayWorker:   candidate.Relay.Address,
				Paymaster:     opts.To,
			},
		}
		if req.GasData.PctRelayFee == nil {
			req.GasData.PctRelayFee = candidate.Relay.TransactionFee
		}

		tx, err := c.attempt(ctx, hub, chainID, candidate.Relay, req, &opts)
		if err != nil {
			log.WithError(err).WithField("relay", candidate.Relay.URL).Info("relay attempt failed")
			errs = append(errs, err)
			continue
		}

		c.broadcast(ctx, tx)
		if c.audit {
			c.SendAudit(ctx, tx, relays, candidate.Relay)
		}
		log.WithFields(logrus.Fields{
			"relay":  candidate.Relay.URL,
			"txHash": tx.Hash().Hex(),
			"nonce":  tx.Nonce(),
		}).Info("transaction relayed")
		return &RelayResult{Transaction: tx, Relay: candidate.Relay, Errors: append(pinger.Errors(), errs...)}, nil
	}

	return nil, &NoRelayResponded{
		Attempted: attempted,
		Pinged:    pinger.Pinged(),
		Errors:    append(pinger.Errors(), errs...),
	}
}

// attempt signs the request for one relay, posts it and validates the returned transaction
func (c *RelayClient) attempt(ctx context.Context, hub *ledger.Hub, chainID *big.Int, relay *ActiveRelay, req *types.RelayRequest, opts *RelayOptions) (*ethtypes.Transaction, error) {
	fail := func(err error) error {
		return &RelayError{URL: relay.URL, Address: relay.Address, Err: err}
	}

	requestID := uuid.NewString()
	log := c.log.WithFields(logrus.Fields{
		"relay":     relay.URL,
		"requestID": requestID,
	})

	hash, err := req.Hash(chainID, hub.Address())
	if err != nil {
		return nil, fail(err)
	}
	signature, err := opts.Signer.SignHash(ctx, hash)
	if err != nil {
		return nil, fail(fmt.Errorf("sign request: %w", err))
	}

	relayTxCount, err := c.backend.NonceAt(ctx, relay.Address, nil)
	if err != nil {
		return nil, fail(fmt.Errorf("%w: relay nonce: %w", types.ErrChainRPCFailure, err))
	}
	relayMaxNonce := relayTxCount + c.nonceGap

	var approvalData []byte
	if opts.ApprovalFunc != nil {
		approvalData, err = opts.ApprovalFunc(ctx, req)
		if err != nil {
			return nil, fail(fmt.Errorf("approval data: %w", err))
		}
	}

	body := types.NewRelayTransactionRequest(req, signature, approvalData, relayMaxNonce, hub.Address())

	rctx, cancel := context.WithTimeout(ctx, c.relayTimeout)
	defer cancel()

	tx := new(ethtypes.Transaction)
	headers := map[string]string{types.HeaderRequestID: requestID}
	log.WithField("relayMaxNonce", relayMaxNonce).Debug("sending relay request")
	code, err := types.SendHTTPRequest(rctx, c.httpClient, http.MethodPost, relay.URL+pathRelay, c.userAgent, headers, body, tx)
	if err != nil {
		if code == 0 {
			c.failed.record(relay.URL, relay.Address)
			return nil, fail(fmt.Errorf("%w: %w", types.ErrNetworkTimeout, err))
		}
		if !errors.Is(err, types.ErrInvalidResponse) {
			err = fmt.Errorf("%w: %w", types.ErrInvalidResponse, err)
		}
		return nil, fail(err)
	}

	if err := validateRelayTransaction(hub, chainID, req, hash, signature, tx, relay.Address, relayMaxNonce); err != nil {
		return nil, fail(err)
	}
	return tx, nil
}

// ping queries a relay's /getaddr endpoint. Transport failures mark the relay as failed.
func (c *RelayClient) ping(ctx context.Context, relay *ActiveRelay) (*types.PingResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()

	resp := new(types.PingResponse)
	code, err := types.SendHTTPRequest(ctx, c.httpClient, http.MethodGet, relay.URL+pathGetAddr, c.userAgent, nil, nil, resp)
	if err != nil {
		if code == 0 && !errors.Is(err, context.Canceled) {
			c.failed.record(relay.URL, relay.Address)
			return nil, fmt.Errorf("%w: %w", types.ErrNetworkTimeout, err)
		}
		return nil, err
	}
	return resp, nil
}

// broadcast sends the relayed transaction ourselves, in case the relay withholds it
func (c *RelayClient) broadcast(ctx context.Context, tx *ethtypes.Transaction) {
	err := c.backend.SendTransaction(ctx, tx)
	if err == nil || isBenignBroadcastError(err) {
		return
	}
	c.log.WithError(err).WithField("txHash", tx.Hash().Hex()).Warn("could not re-broadcast relayed transaction")
}

func isBenignBroadcastError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, benign := range benignBroadcastErrors {
		if strings.Contains(msg, benign) {
			return true
		}
	}
	return false
}

// SendAudit forwards a signed transaction to every relay except the one that sent it. Failures are only logged.
func (c *RelayClient) SendAudit(ctx context.Context, tx *ethtypes.Transaction, relays []*ActiveRelay, sender *ActiveRelay) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		c.log.WithError(err).Error("could not encode transaction for audit")
		return
	}
	body := &types.AuditRequest{SignedTx: raw}

	ctx, cancel := context.WithTimeout(ctx, c.relayTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, relay := range relays {
		if sender != nil && relay.Address == sender.Address {
			continue
		}
		wg.Add(1)
		go func(relay *ActiveRelay) {
			defer wg.Done()
			_, err := types.SendHTTPRequest(ctx, c.httpClient, http.MethodPost, relay.URL+pathAudit, c.userAgent, nil, body, nil)
			if err != nil {
				c.log.WithError(err).WithField("relay", relay.URL).Debug("audit request failed")
			}
		}(relay)
	}
	wg.Wait()
}
