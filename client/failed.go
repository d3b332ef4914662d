package client

import (
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/patrickmn/go-cache"
)

// DefaultFailedRelayWindow is how long a relay that timed out stays deprioritized
const DefaultFailedRelayWindow = 60 * time.Second

// FailedRelay is a relay which recently failed to answer in time
type FailedRelay struct {
	URL           string
	Address       common.Address
	LastErrorTime time.Time
}

// failedRelays is owned by a single RelayClient. It only reorders candidates, it never excludes them.
// Entries expire after the window.
type failedRelays struct {
	byURL *cache.Cache
}

func newFailedRelays(window time.Duration) *failedRelays {
	return &failedRelays{byURL: cache.New(window, 2*window)}
}

func (f *failedRelays) record(url string, address common.Address) {
	f.byURL.Set(url, FailedRelay{URL: url, Address: address, LastErrorTime: time.Now()}, cache.DefaultExpiration)
}

func (f *failedRelays) isRecent(url string) bool {
	_, found := f.byURL.Get(url)
	return found
}

// list returns the unexpired records, oldest failure first
func (f *failedRelays) list() []FailedRelay {
	items := f.byURL.Items()
	out := make([]FailedRelay, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(FailedRelay))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastErrorTime.Before(out[j].LastErrorTime)
	})
	return out
}

// prioritize moves recently failed relays to the back, keeping the relative order of both parts
func (f *failedRelays) prioritize(relays []*ActiveRelay) []*ActiveRelay {
	healthy := make([]*ActiveRelay, 0, len(relays))
	var failed []*ActiveRelay
	for _, r := range relays {
		if f.isRecent(r.URL) {
			failed = append(failed, r)
		} else {
			healthy = append(healthy, r)
		}
	}
	return append(healthy, failed...)
}
