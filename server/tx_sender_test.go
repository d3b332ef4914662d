package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/gsn-relay/types"
	"github.com/stretchr/testify/require"
)

func TestTxSenderConcurrentNonces(t *testing.T) {
	be := newTestBackend(t)
	be.ledger.SetNonce(be.address, 5)
	sender := be.relay.Sender()

	var wg sync.WaitGroup
	txs := make([]*ethtypes.Transaction, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txs[i], errs[i] = sender.Send(context.Background(), TxDetails{Kind: "test", To: testOwner, GasLimit: 21000})
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	nonces := []uint64{txs[0].Nonce(), txs[1].Nonce()}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	require.Equal(t, []uint64{5, 6}, nonces)
	require.Equal(t, uint64(7), sender.Nonce())
}

func TestTxSenderMaxNonce(t *testing.T) {
	be := newTestBackend(t)
	be.ledger.SetNonce(be.address, 5)

	maxNonce := uint64(4)
	_, err := be.relay.Sender().Send(context.Background(), TxDetails{To: testOwner, GasLimit: 21000, MaxNonce: &maxNonce})
	require.ErrorIs(t, err, types.ErrNonceExceeded)
	require.Empty(t, be.ledger.Sent())

	maxNonce = 5
	tx, err := be.relay.Sender().Send(context.Background(), TxDetails{To: testOwner, GasLimit: 21000, MaxNonce: &maxNonce})
	require.NoError(t, err)
	require.Equal(t, uint64(5), tx.Nonce())
}

func TestTxSenderResyncsOnNonceTooLow(t *testing.T) {
	be := newTestBackend(t)
	be.ledger.SetNonce(be.address, 5)

	var calls int32
	be.ledger.SetSendError(func(*ethtypes.Transaction) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("nonce too low")
		}
		return nil
	})

	tx, err := be.relay.Sender().Send(context.Background(), TxDetails{To: testOwner, GasLimit: 21000})
	require.NoError(t, err)
	require.Equal(t, uint64(6), tx.Nonce())
	require.Equal(t, uint64(7), be.relay.Sender().Nonce())
}

func TestTxSenderBroadcastFailure(t *testing.T) {
	be := newTestBackend(t)
	be.ledger.SetSendError(func(*ethtypes.Transaction) error { return errors.New("insufficient funds") })

	_, err := be.relay.Sender().Send(context.Background(), TxDetails{To: testOwner})
	require.ErrorIs(t, err, types.ErrChainRPCFailure)
	require.Equal(t, uint64(0), be.relay.Sender().Nonce())
}

func TestTxSenderEstimatesGas(t *testing.T) {
	be := newTestBackend(t)
	tx, err := be.relay.Sender().Send(context.Background(), TxDetails{To: testOwner, Data: []byte{0x01}})
	require.NoError(t, err)
	require.Equal(t, uint64(21000), tx.Gas())
	require.Equal(t, oneGwei.String(), tx.GasPrice().String())
	require.Equal(t, testChainID.String(), tx.ChainId().String())
}
