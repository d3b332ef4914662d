package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/gsn-relay/types"
	"github.com/pkg/errors"
)

// Hub event names
const (
	EventStaked             = "Staked"
	EventRelayAdded         = "RelayAdded"
	EventRelayRemoved       = "RelayRemoved"
	EventUnstaked           = "Unstaked"
	EventTransactionRelayed = "TransactionRelayed"
)

// Event is a decoded hub event. Only the fields carried by the named event are set.
type Event struct {
	Name           string
	Relay          common.Address
	Owner          common.Address
	TransactionFee *big.Int
	Stake          *big.Int
	UnstakeDelay   *big.Int
	UnstakeTime    *big.Int
	URL            string
	Status         uint8
	Charge         *big.Int
	BlockNumber    uint64
	TxHash         common.Hash
	LogIndex       uint
}

// FilterEvents fetches the named hub events in [fromBlock, toBlock]. A nil toBlock means latest.
// If relay is set only events indexed by that relay are returned.
func (h *Hub) FilterEvents(ctx context.Context, fromBlock uint64, toBlock *uint64, relay *common.Address, names ...string) ([]*Event, error) {
	ids := make([]common.Hash, 0, len(names))
	for _, name := range names {
		event, ok := h.abi.Events[name]
		if !ok {
			return nil, fmt.Errorf("unknown hub event %s", name)
		}
		ids = append(ids, event.ID)
	}

	topics := [][]common.Hash{ids}
	if relay != nil {
		topics = append(topics, []common.Hash{common.BytesToHash(relay.Bytes())})
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{h.address},
		Topics:    topics,
	}
	if toBlock != nil {
		query.ToBlock = new(big.Int).SetUint64(*toBlock)
	}

	logs, err := h.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: filter logs: %w", types.ErrChainRPCFailure, err)
	}

	events := make([]*Event, 0, len(logs))
	for i := range logs {
		if logs[i].Removed {
			continue
		}
		event, err := h.DecodeEvent(&logs[i])
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// DecodeEvent decodes a hub log into an Event
func (h *Hub) DecodeEvent(log *ethtypes.Log) (*Event, error) {
	if len(log.Topics) < 2 {
		return nil, fmt.Errorf("hub log without indexed relay in tx %s", log.TxHash)
	}
	abiEvent, err := h.abi.EventByID(log.Topics[0])
	if err != nil {
		return nil, errors.Wrap(err, "decode hub log")
	}
	values, err := h.abi.Unpack(abiEvent.Name, log.Data)
	if err != nil {
		return nil, errors.Wrapf(err, "unpack %s", abiEvent.Name)
	}

	event := &Event{
		Name:        abiEvent.Name,
		Relay:       common.BytesToAddress(log.Topics[1].Bytes()),
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
	}

	bigAt := func(i int) *big.Int {
		if i >= len(values) {
			return nil
		}
		v, _ := values[i].(*big.Int)
		return v
	}

	switch abiEvent.Name {
	case EventStaked:
		event.Stake = bigAt(0)
		event.UnstakeDelay = bigAt(1)
	case EventRelayAdded:
		if len(log.Topics) > 2 {
			event.Owner = common.BytesToAddress(log.Topics[2].Bytes())
		}
		event.TransactionFee = bigAt(0)
		event.Stake = bigAt(1)
		event.UnstakeDelay = bigAt(2)
		if len(values) > 3 {
			event.URL, _ = values[3].(string)
		}
	case EventRelayRemoved:
		event.UnstakeTime = bigAt(0)
	case EventUnstaked:
		event.Stake = bigAt(0)
	case EventTransactionRelayed:
		if len(values) > 1 {
			event.Status, _ = values[1].(uint8)
		}
		event.Charge = bigAt(2)
	}
	return event, nil
}
