package client

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/gsn-relay/ledger"
	"github.com/flashbots/gsn-relay/types"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// DefaultRelayCacheTTL is how long a discovered relay set is reused for the same starting block
const DefaultRelayCacheTTL = 5 * time.Minute

// ActiveRelay is a registered relay as seen in the hub's events
type ActiveRelay struct {
	Address        common.Address
	URL            string
	TransactionFee *big.Int
	Stake          *big.Int
	UnstakeDelay   *big.Int
	Owner          common.Address
}

// RelayFilter decides whether a discovered relay is a candidate
type RelayFilter func(relay *ActiveRelay) bool

// RelayComparator reports whether relay a should be tried before relay b
type RelayComparator func(a, b *ActiveRelay) bool

// HelperOption configures a ServerHelper
type HelperOption func(s *ServerHelper)

// WithRelayFilter replaces the default stake and delay filter
func WithRelayFilter(f RelayFilter) HelperOption {
	return func(s *ServerHelper) {
		s.filter = f
	}
}

// WithRelayComparator replaces the default ascending-fee ordering
func WithRelayComparator(c RelayComparator) HelperOption {
	return func(s *ServerHelper) {
		s.less = c
	}
}

// WithMinStake sets the minimum stake accepted by the default filter
func WithMinStake(stake *big.Int) HelperOption {
	return func(s *ServerHelper) {
		s.minStake = stake
	}
}

// WithMinDelay sets the minimum unstake delay accepted by the default filter
func WithMinDelay(delay *big.Int) HelperOption {
	return func(s *ServerHelper) {
		s.minDelay = delay
	}
}

// WithCacheTTL sets how long discovered relay sets are cached
func WithCacheTTL(ttl time.Duration) HelperOption {
	return func(s *ServerHelper) {
		s.cacheTTL = ttl
	}
}

// ServerHelper discovers the registered relays of a hub from its RelayAdded and RelayRemoved events.
type ServerHelper struct {
	log      *logrus.Entry
	filter   RelayFilter
	less     RelayComparator
	minStake *big.Int
	minDelay *big.Int
	cacheTTL time.Duration
	cache    *cache.Cache
}

// NewServerHelper creates a ServerHelper
func NewServerHelper(log *logrus.Entry, opt ...HelperOption) *ServerHelper {
	s := &ServerHelper{
		log:      log.WithField("module", "discovery"),
		minStake: new(big.Int),
		minDelay: new(big.Int),
		cacheTTL: DefaultRelayCacheTTL,
	}
	for _, o := range opt {
		o(s)
	}
	if s.filter == nil {
		s.filter = s.defaultFilter
	}
	if s.less == nil {
		s.less = byFee
	}
	s.cache = cache.New(s.cacheTTL, 2*s.cacheTTL)
	return s
}

func (s *ServerHelper) defaultFilter(r *ActiveRelay) bool {
	if r.Stake == nil || r.UnstakeDelay == nil {
		return false
	}
	return r.UnstakeDelay.Cmp(s.minDelay) >= 0 && r.Stake.Cmp(s.minStake) >= 0
}

func byFee(a, b *ActiveRelay) bool {
	if a.TransactionFee == nil {
		return b.TransactionFee != nil
	}
	if b.TransactionFee == nil {
		return false
	}
	return a.TransactionFee.Cmp(b.TransactionFee) < 0
}

func cacheKey(hub common.Address, fromBlock uint64) string {
	return fmt.Sprintf("%s:%d", strings.ToLower(hub.Hex()), fromBlock)
}

// FetchActiveRelays returns the filtered and sorted relays registered on the hub since fromBlock.
// The result for a (hub, fromBlock) pair is cached. It fails with ErrNoValidRelays if nothing passes the filter.
func (s *ServerHelper) FetchActiveRelays(ctx context.Context, hub *ledger.Hub, fromBlock uint64) ([]*ActiveRelay, error) {
	key := cacheKey(hub.Address(), fromBlock)
	if cached, found := s.cache.Get(key); found {
		relays := cached.([]*ActiveRelay)
		return append([]*ActiveRelay(nil), relays...), nil
	}

	events, err := hub.FilterEvents(ctx, fromBlock, nil, nil, ledger.EventRelayAdded, ledger.EventRelayRemoved)
	if err != nil {
		return nil, err
	}

	byAddress := make(map[common.Address]*ActiveRelay)
	for _, event := range events {
		switch event.Name {
		case ledger.EventRelayAdded:
			byAddress[event.Relay] = &ActiveRelay{
				Address:        event.Relay,
				URL:            strings.TrimRight(event.URL, "/"),
				TransactionFee: event.TransactionFee,
				Stake:          event.Stake,
				UnstakeDelay:   event.UnstakeDelay,
				Owner:          event.Owner,
			}
		case ledger.EventRelayRemoved:
			delete(byAddress, event.Relay)
		}
	}

	relays := make([]*ActiveRelay, 0, len(byAddress))
	for _, relay := range byAddress {
		if s.filter(relay) {
			relays = append(relays, relay)
		}
	}
	// map iteration order is random, make ties deterministic before applying the comparator
	sort.Slice(relays, func(i, j int) bool {
		return relays[i].Address.Cmp(relays[j].Address) < 0
	})
	sort.SliceStable(relays, func(i, j int) bool {
		return s.less(relays[i], relays[j])
	})

	s.log.WithFields(logrus.Fields{
		"hub":       hub.Address().Hex(),
		"fromBlock": fromBlock,
		"events":    len(events),
		"relays":    len(relays),
	}).Debug("fetched active relays")

	if len(relays) == 0 {
		return nil, fmt.Errorf("%w: %d registered, none passed the filter", types.ErrNoValidRelays, len(byAddress))
	}

	s.cache.Set(key, relays, cache.DefaultExpiration)
	return append([]*ActiveRelay(nil), relays...), nil
}
