package server

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/gsn-relay/ledger"
	"github.com/flashbots/gsn-relay/penalizer"
	"github.com/holiman/uint256"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval     = 5 * time.Second
	DefaultGasPricePercent  = 10
	DefaultAuditCacheTTL    = time.Hour
	notificationBufferSize  = 16
	sweepGasLimit           = 21000
	registrationRetryBlocks = 10
)

// DefaultMinBalance is the balance below which the relay stops accepting requests
var DefaultMinBalance = big.NewInt(100_000_000_000_000_000)

// State is the relay's position in its registration lifecycle
type State int

const (
	StateNotReady State = iota
	StateStakedUnregistered
	StateRegisteredReady
	StateUnstaking
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateStakedUnregistered:
		return "staked-unregistered"
	case StateRegisteredReady:
		return "registered-ready"
	case StateUnstaking:
		return "unstaking"
	case StateRemoved:
		return "removed"
	default:
		return "not-ready"
	}
}

// NotificationKind names a lifecycle event of the relay
type NotificationKind int

const (
	NotificationRegistered NotificationKind = iota
	NotificationRemoved
	NotificationUnstaked
	NotificationReadinessChanged
)

func (k NotificationKind) String() string {
	switch k {
	case NotificationRegistered:
		return "registered"
	case NotificationRemoved:
		return "removed"
	case NotificationUnstaked:
		return "unstaked"
	default:
		return "readiness-changed"
	}
}

// Notification is delivered to subscribers when the relay's lifecycle changes
type Notification struct {
	Kind   NotificationKind
	Block  uint64
	TxHash common.Hash
	Ready  bool
}

// Config holds the relay server's settings
type Config struct {
	Log     *logrus.Entry
	Backend ledger.Backend
	Hub     *ledger.Hub
	Key     *ecdsa.PrivateKey
	// Owner receives the relay's balance once it is unstaked
	Owner common.Address
	URL   string
	// Fee is the minimum relay fee in percent
	Fee *big.Int
	// GasPricePercent is added on top of the network gas price
	GasPricePercent int64
	MinBalance      *big.Int
	// StartBlock is the first block scanned for hub events
	StartBlock uint64
	Registry   prometheus.Registerer
	// Penalizer receives evidence found while auditing. Audits only log if it is nil.
	Penalizer *penalizer.Penalizer
	// ForwardAudits sends audited transactions on to the other registered relays
	ForwardAudits bool
}

// Option configures a RelayServer
type Option func(s *RelayServer)

// WithPollInterval sets how often the block number is polled when new head subscriptions are unavailable
func WithPollInterval(d time.Duration) Option {
	return func(s *RelayServer) {
		s.pollInterval = d
	}
}

// Status is a snapshot of the relay's state
type Status struct {
	Address          common.Address
	Owner            common.Address
	ChainID          *big.Int
	GasPrice         *big.Int
	Balance          *big.Int
	Stake            *big.Int
	UnstakeDelay     *big.Int
	Ready            bool
	Removed          bool
	LastScannedBlock uint64
	Nonce            uint64
	State            State
}

// RelayServer tracks the relay's economic readiness and executes relay requests.
type RelayServer struct {
	log       *logrus.Entry
	cfg       Config
	backend   ledger.Backend
	hub       *ledger.Hub
	sender    *TxSender
	metrics   *RelayMetrics
	penalizer *penalizer.Penalizer
	forwarder *AuditForwarder

	pollInterval time.Duration

	// tickMu serializes Tick
	tickMu sync.Mutex

	mu               sync.RWMutex
	chainID          *big.Int
	gasPrice         *big.Int
	balance          *big.Int
	stake            *ledger.RelayStake
	ready            bool
	removed          bool
	unstaked         bool
	lastScannedBlock uint64
	registrationTx   *common.Hash
	registrationAt   uint64

	subMu       sync.Mutex
	subscribers []chan Notification

	// seen holds audited transactions by signer and nonce
	seen *cache.Cache
}

// NewRelayServer creates a RelayServer
func NewRelayServer(cfg Config, opt ...Option) (*RelayServer, error) {
	if cfg.Key == nil {
		return nil, errMissingKey
	}
	if cfg.Hub == nil {
		return nil, errMissingHub
	}
	if cfg.Fee == nil {
		cfg.Fee = new(big.Int)
	}
	if cfg.MinBalance == nil {
		cfg.MinBalance = DefaultMinBalance
	}
	if cfg.GasPricePercent == 0 {
		cfg.GasPricePercent = DefaultGasPricePercent
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}

	metrics := NewRelayMetrics(cfg.Registry)
	s := &RelayServer{
		log:          cfg.Log.WithField("module", "relay-server"),
		cfg:          cfg,
		backend:      cfg.Backend,
		hub:          cfg.Hub,
		sender:       NewTxSender(cfg.Log, cfg.Backend, cfg.Key, metrics),
		metrics:      metrics,
		penalizer:    cfg.Penalizer,
		pollInterval: DefaultPollInterval,
		gasPrice:     new(big.Int),
		balance:      new(big.Int),
		seen:         cache.New(DefaultAuditCacheTTL, DefaultAuditCacheTTL),
	}
	if cfg.StartBlock > 0 {
		s.lastScannedBlock = cfg.StartBlock - 1
	}
	if cfg.ForwardAudits {
		s.forwarder = NewAuditForwarder(cfg.Log, cfg.Hub, s.Address(), cfg.StartBlock)
	}
	for _, o := range opt {
		o(s)
	}
	return s, nil
}

// Address returns the relay's address
func (s *RelayServer) Address() common.Address {
	return s.sender.Address()
}

// Sender returns the relay's transaction sender
func (s *RelayServer) Sender() *TxSender {
	return s.sender
}

// Notifications returns a new channel receiving lifecycle notifications. Slow subscribers miss notifications.
func (s *RelayServer) Notifications() <-chan Notification {
	ch := make(chan Notification, notificationBufferSize)
	s.subMu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.subMu.Unlock()
	return ch
}

func (s *RelayServer) notify(n Notification) {
	s.log.WithFields(logrus.Fields{
		"notification": n.Kind.String(),
		"block":        n.Block,
	}).Info("lifecycle notification")

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- n:
		default:
			s.log.WithField("notification", n.Kind.String()).Warn("subscriber is full, dropping notification")
		}
	}
}

// Status returns a snapshot of the relay state
func (s *RelayServer) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Address:          s.Address(),
		Owner:            s.cfg.Owner,
		GasPrice:         new(big.Int).Set(s.gasPrice),
		Balance:          new(big.Int).Set(s.balance),
		Ready:            s.ready,
		Removed:          s.removed,
		LastScannedBlock: s.lastScannedBlock,
		Nonce:            s.sender.Nonce(),
		State:            s.stateLocked(),
	}
	if s.chainID != nil {
		st.ChainID = new(big.Int).Set(s.chainID)
	}
	if s.stake != nil {
		st.Stake = s.stake.TotalStake
		st.UnstakeDelay = s.stake.UnstakeDelay
	}
	return st
}

func (s *RelayServer) stateLocked() State {
	switch {
	case s.unstaked:
		return StateRemoved
	case s.removed:
		return StateUnstaking
	case s.stake == nil:
		return StateNotReady
	case s.stake.State == ledger.RelayStateRegistered && s.ready:
		return StateRegisteredReady
	case s.stake.State == ledger.RelayStateStaked:
		return StateStakedUnregistered
	default:
		return StateNotReady
	}
}

// IsReady reports whether relay requests are accepted
func (s *RelayServer) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// GasPrice returns the minimum gas price the relay accepts
func (s *RelayServer) GasPrice() *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(big.Int).Set(s.gasPrice)
}

// ChainID returns the last chain id seen, nil before the first successful tick
func (s *RelayServer) ChainID() *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.chainID == nil {
		return nil
	}
	return new(big.Int).Set(s.chainID)
}

// Tick refreshes the relay state for a new block and handles the hub events addressed to the relay.
// Ticks never overlap. Failures leave the relay not ready and are retried on the next block.
func (s *RelayServer) Tick(ctx context.Context, block uint64) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	log := s.log.WithField("block", block)
	err := s.tick(ctx, block)
	if err != nil {
		log.WithError(err).Warn("tick failed")
		s.setReady(block, false)
		return err
	}

	st := s.Status()
	log.WithFields(logrus.Fields{
		"ready":    st.Ready,
		"state":    st.State.String(),
		"gasPrice": st.GasPrice.String(),
		"balance":  st.Balance.String(),
	}).Debug("tick done")
	return nil
}

func (s *RelayServer) tick(ctx context.Context, block uint64) error {
	chainID, err := s.backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	s.sender.SetChainID(chainID)
	if err := s.sender.Sync(ctx); err != nil {
		return err
	}

	networkPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("gas price: %w", err)
	}
	gasPrice := s.floorGasPrice(networkPrice)

	balance, err := s.backend.BalanceAt(ctx, s.Address(), nil)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}

	s.mu.Lock()
	s.chainID = chainID
	s.gasPrice = gasPrice
	s.balance = balance
	s.mu.Unlock()

	if err := s.scanEvents(ctx, block); err != nil {
		return err
	}

	stake, err := s.hub.GetRelay(ctx, s.Address())
	if err != nil {
		return fmt.Errorf("stake: %w", err)
	}
	s.mu.Lock()
	s.stake = stake
	s.mu.Unlock()

	if stake.State == ledger.RelayStateStaked {
		if err := s.ensureRegistered(ctx, block); err != nil {
			s.log.WithError(err).Warn("could not register relay")
		}
	}

	stakeValid := stake.TotalStake != nil && stake.TotalStake.Sign() > 0 && stake.State == ledger.RelayStateRegistered
	ready := gasPrice.Sign() > 0 && balance.Cmp(s.cfg.MinBalance) >= 0 && stakeValid
	if gasPrice.Sign() == 0 {
		s.log.Warn("network reports zero gas price")
	}
	if balance.Cmp(s.cfg.MinBalance) < 0 {
		s.log.WithField("balance", balance.String()).Warn("balance below minimum")
	}
	s.setReady(block, ready)

	s.metrics.gasPrice.Set(toFloat(gasPrice))
	s.metrics.balance.Set(toFloat(balance))
	return nil
}

// floorGasPrice returns networkPrice * (100 + percent) / 100, rounded down
func (s *RelayServer) floorGasPrice(networkPrice *big.Int) *big.Int {
	if networkPrice == nil || networkPrice.Sign() <= 0 {
		return new(big.Int)
	}
	price, overflow := uint256.FromBig(networkPrice)
	if overflow {
		return new(big.Int).Set(networkPrice)
	}
	factor := 100 + s.cfg.GasPricePercent
	if factor < 0 {
		factor = 0
	}
	price.Mul(price, uint256.NewInt(uint64(factor)))
	price.Div(price, uint256.NewInt(100))
	return price.ToBig()
}

func (s *RelayServer) setReady(block uint64, ready bool) {
	s.mu.Lock()
	if s.removed {
		ready = false
	}
	changed := s.ready != ready
	s.ready = ready
	s.mu.Unlock()

	if ready {
		s.metrics.ready.Set(1)
	} else {
		s.metrics.ready.Set(0)
	}
	if changed {
		s.notify(Notification{Kind: NotificationReadinessChanged, Block: block, Ready: ready})
	}
}

// scanEvents handles our hub events from lastScannedBlock+1 up to block
func (s *RelayServer) scanEvents(ctx context.Context, block uint64) error {
	s.mu.RLock()
	from := s.lastScannedBlock + 1
	s.mu.RUnlock()
	if from > block {
		return nil
	}

	address := s.Address()
	to := block
	events, err := s.hub.FilterEvents(ctx, from, &to, &address,
		ledger.EventStaked, ledger.EventRelayAdded, ledger.EventRelayRemoved, ledger.EventUnstaked)
	if err != nil {
		return fmt.Errorf("hub events: %w", err)
	}

	for _, event := range events {
		if err := s.handleEvent(ctx, event); err != nil {
			// retry this event's block on the next tick
			if event.BlockNumber > 0 {
				s.setLastScanned(event.BlockNumber - 1)
			}
			return fmt.Errorf("%s event in block %d: %w", event.Name, event.BlockNumber, err)
		}
	}
	s.setLastScanned(block)
	return nil
}

func (s *RelayServer) setLastScanned(block uint64) {
	s.mu.Lock()
	s.lastScannedBlock = block
	s.mu.Unlock()
	s.metrics.lastBlock.Set(float64(block))
}

func (s *RelayServer) handleEvent(ctx context.Context, event *ledger.Event) error {
	log := s.log.WithFields(logrus.Fields{
		"event": event.Name,
		"block": event.BlockNumber,
	})
	log.Info("hub event")

	// events may be replayed from long ago, so each one is checked against the hub's current view
	live, err := s.stakeLive(ctx)
	if err != nil {
		return err
	}

	switch event.Name {
	case ledger.EventStaked:
		if !live {
			log.Debug("stake no longer held")
			return nil
		}
		s.mu.Lock()
		s.removed = false
		s.unstaked = false
		s.mu.Unlock()

	case ledger.EventRelayAdded:
		if !live {
			log.Debug("relay no longer registered")
			return nil
		}
		s.mu.Lock()
		s.registrationTx = nil
		s.mu.Unlock()
		s.notify(Notification{Kind: NotificationRegistered, Block: event.BlockNumber, TxHash: event.TxHash})

	case ledger.EventRelayRemoved:
		if live {
			log.Info("relay staked again since, ignoring removal")
			return nil
		}
		s.mu.Lock()
		s.removed = true
		s.ready = false
		s.mu.Unlock()
		s.notify(Notification{Kind: NotificationRemoved, Block: event.BlockNumber, TxHash: event.TxHash})

	case ledger.EventUnstaked:
		if live {
			log.Info("relay staked again since, not sweeping")
			return nil
		}
		tx, err := s.sweep(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.removed = true
		s.unstaked = true
		s.ready = false
		s.mu.Unlock()
		n := Notification{Kind: NotificationUnstaked, Block: event.BlockNumber}
		if tx != nil {
			n.TxHash = tx.Hash()
		}
		s.notify(n)
	}
	return nil
}

// stakeLive reports whether the hub currently lists the relay as staked or registered
func (s *RelayServer) stakeLive(ctx context.Context) (bool, error) {
	stake, err := s.hub.GetRelay(ctx, s.Address())
	if err != nil {
		return false, fmt.Errorf("stake: %w", err)
	}
	if stake.TotalStake == nil || stake.TotalStake.Sign() <= 0 {
		return false, nil
	}
	return stake.State == ledger.RelayStateStaked || stake.State == ledger.RelayStateRegistered, nil
}

// ensureRegistered registers a staked relay unless a registration is already in flight
func (s *RelayServer) ensureRegistered(ctx context.Context, block uint64) error {
	s.mu.RLock()
	pending := s.registrationTx != nil && block < s.registrationAt+registrationRetryBlocks
	s.mu.RUnlock()
	if pending {
		return nil
	}
	return s.register(ctx, block)
}

func (s *RelayServer) register(ctx context.Context, block uint64) error {
	data, err := s.hub.PackRegisterRelay(s.cfg.Fee, s.cfg.URL)
	if err != nil {
		return err
	}
	tx, err := s.sender.Send(ctx, TxDetails{
		Kind:     "register",
		To:       s.hub.Address(),
		Data:     data,
		GasPrice: s.GasPrice(),
	})
	if err != nil {
		return err
	}
	hash := tx.Hash()
	s.mu.Lock()
	s.registrationTx = &hash
	s.registrationAt = block
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{
		"url":    s.cfg.URL,
		"fee":    s.cfg.Fee.String(),
		"txHash": hash.Hex(),
	}).Info("sent relay registration")
	return nil
}

// sweep sends the relay's balance minus the transfer cost to the owner
func (s *RelayServer) sweep(ctx context.Context) (*ethtypes.Transaction, error) {
	if s.cfg.Owner == (common.Address{}) {
		s.log.Warn("no owner configured, keeping balance")
		return nil, nil
	}
	balance, err := s.backend.BalanceAt(ctx, s.Address(), nil)
	if err != nil {
		return nil, fmt.Errorf("balance: %w", err)
	}
	gasPrice := s.GasPrice()
	cost := new(big.Int).Mul(gasPrice, big.NewInt(sweepGasLimit))
	value := new(big.Int).Sub(balance, cost)
	if value.Sign() <= 0 {
		s.log.WithField("balance", balance.String()).Info("balance too low to sweep")
		return nil, nil
	}
	return s.sender.Send(ctx, TxDetails{
		Kind:     "sweep",
		To:       s.cfg.Owner,
		Value:    value,
		GasLimit: sweepGasLimit,
		GasPrice: gasPrice,
	})
}

// Run calls Tick once per new block until ctx is done. It follows new heads if the backend supports
// subscriptions and polls the block number otherwise.
func (s *RelayServer) Run(ctx context.Context) error {
	heads := make(chan *ethtypes.Header, notificationBufferSize)
	sub, err := s.backend.SubscribeNewHead(ctx, heads)
	if err != nil {
		s.log.WithError(err).Info("new head subscription unavailable, polling")
		return s.poll(ctx)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			s.log.WithError(err).Warn("new head subscription failed, polling")
			return s.poll(ctx)
		case head := <-heads:
			_ = s.Tick(ctx, head.Number.Uint64())
		}
	}
}

func (s *RelayServer) poll(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var last uint64
	for {
		block, err := s.backend.BlockNumber(ctx)
		if err != nil {
			s.log.WithError(err).Warn("could not read block number")
		} else if block > last {
			last = block
			_ = s.Tick(ctx, block)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
