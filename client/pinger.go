package client

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/flashbots/gsn-relay/types"
	"github.com/sirupsen/logrus"
)

// DefaultPingGroupSize is how many relays are pinged concurrently
const DefaultPingGroupSize = 3

// PingFunc queries a relay's liveness endpoint
type PingFunc func(ctx context.Context, relay *ActiveRelay) (*types.PingResponse, error)

// Candidate is a relay which answered a ping and accepts the client's gas price
type Candidate struct {
	Relay *ActiveRelay
	Ping  *types.PingResponse
}

type pingResult struct {
	relay *ActiveRelay
	resp  *types.PingResponse
	err   error
}

// Pinger races relays in groups and hands out the first acceptable one of each group.
// It never returns the same relay twice.
type Pinger struct {
	log       *logrus.Entry
	ping      PingFunc
	gasPrice  *big.Int
	groupSize int

	mu        sync.Mutex
	remaining []*ActiveRelay
	pinged    int
	errs      []error
}

// NewPinger creates a Pinger over relays, accepting relays whose MinGasPrice is at most gasPrice
func NewPinger(log *logrus.Entry, relays []*ActiveRelay, gasPrice *big.Int, ping PingFunc) *Pinger {
	return &Pinger{
		log:       log.WithField("module", "pinger"),
		ping:      ping,
		gasPrice:  gasPrice,
		groupSize: DefaultPingGroupSize,
		remaining: append([]*ActiveRelay(nil), relays...),
	}
}

// NextRelay returns the next acceptable relay, or nil once all relays are used up.
// An error is only returned if ctx is done.
func (p *Pinger) NextRelay(ctx context.Context) (*Candidate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.remaining) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		size := p.groupSize
		if size > len(p.remaining) {
			size = len(p.remaining)
		}
		group := p.remaining[:size]

		winner := p.race(ctx, group)
		if winner == nil {
			p.remaining = p.remaining[size:]
			continue
		}

		rest := make([]*ActiveRelay, 0, len(p.remaining)-1)
		for _, r := range p.remaining {
			if r != winner.Relay {
				rest = append(rest, r)
			}
		}
		p.remaining = rest
		return winner, nil
	}
	return nil, nil
}

// race pings every relay of the group and returns the first acceptable answer.
// The remaining pings are cancelled once a winner is found.
func (p *Pinger) race(ctx context.Context, group []*ActiveRelay) *Candidate {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan pingResult, len(group))
	for _, relay := range group {
		go func(relay *ActiveRelay) {
			resp, err := p.ping(ctx, relay)
			results <- pingResult{relay: relay, resp: resp, err: err}
		}(relay)
	}
	p.pinged += len(group)

	for range group {
		res := <-results
		if err := p.accept(res); err != nil {
			p.log.WithError(err).WithField("relay", res.relay.URL).Debug("relay ping rejected")
			p.errs = append(p.errs, &RelayError{URL: res.relay.URL, Address: res.relay.Address, Err: err})
			continue
		}
		return &Candidate{Relay: res.relay, Ping: res.resp}
	}
	return nil
}

func (p *Pinger) accept(res pingResult) error {
	if res.err != nil {
		return res.err
	}
	if res.resp == nil {
		return fmt.Errorf("%w: empty ping response", types.ErrInvalidResponse)
	}
	if res.resp.RelayServerAddress != res.relay.Address {
		return fmt.Errorf("%w: relay answered as %s", types.ErrInvalidResponse, res.resp.RelayServerAddress.Hex())
	}
	if !res.resp.Ready {
		return fmt.Errorf("relay not ready")
	}
	minGasPrice := res.resp.MinGasPrice
	if minGasPrice == nil {
		minGasPrice = new(big.Int)
	}
	if p.gasPrice != nil && minGasPrice.Cmp(p.gasPrice) > 0 {
		return fmt.Errorf("relay min gas price %s is above %s", minGasPrice, p.gasPrice)
	}
	return nil
}

// Pinged returns how many pings were sent
func (p *Pinger) Pinged() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinged
}

// Errors returns the rejected pings
func (p *Pinger) Errors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.errs...)
}
