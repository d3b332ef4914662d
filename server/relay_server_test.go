package server

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/gsn-relay/ledger"
	"github.com/stretchr/testify/require"
)

func TestNewRelayServerErrors(t *testing.T) {
	t.Run("errors without key", func(t *testing.T) {
		_, err := NewRelayServer(Config{Log: testLog, Hub: ledger.NewHub(testHub, nil)})
		require.ErrorIs(t, err, errMissingKey)
	})

	t.Run("errors without hub", func(t *testing.T) {
		be := newTestBackend(t)
		_, err := NewRelayServer(Config{Log: testLog, Key: be.key})
		require.ErrorIs(t, err, errMissingHub)
	})
}

func TestFloorGasPrice(t *testing.T) {
	be := newTestBackend(t)
	require.Equal(t, "1100000000", be.relay.floorGasPrice(oneGwei).String())
	require.Equal(t, "0", be.relay.floorGasPrice(big.NewInt(0)).String())
	require.Equal(t, "0", be.relay.floorGasPrice(nil).String())

	be = newTestBackend(t, func(cfg *Config) { cfg.GasPricePercent = 50 })
	require.Equal(t, "15", be.relay.floorGasPrice(big.NewInt(10)).String())
}

func TestTickReadiness(t *testing.T) {
	ctx := context.Background()

	t.Run("unstaked relay is not ready", func(t *testing.T) {
		be := newTestBackend(t)
		require.NoError(t, be.relay.Tick(ctx, 100))

		status := be.relay.Status()
		require.False(t, status.Ready)
		require.Equal(t, StateNotReady, status.State)
		require.Equal(t, "1100000000", status.GasPrice.String())
		require.Equal(t, oneEther.String(), status.Balance.String())
		require.Equal(t, uint64(100), status.LastScannedBlock)
		require.Equal(t, testChainID.String(), status.ChainID.String())
	})

	t.Run("registered relay with balance is ready", func(t *testing.T) {
		be := newTestBackend(t)
		notifications := be.relay.Notifications()
		be.stake()
		require.NoError(t, be.relay.Tick(ctx, 100))

		status := be.relay.Status()
		require.True(t, status.Ready)
		require.Equal(t, StateRegisteredReady, status.State)
		require.Equal(t, oneEther.String(), status.Stake.String())
		n := requireNotification(t, notifications, NotificationReadinessChanged)
		require.True(t, n.Ready)
		require.Equal(t, uint64(100), n.Block)
	})

	t.Run("balance below minimum", func(t *testing.T) {
		be := newReadyBackend(t)
		notifications := be.relay.Notifications()
		be.ledger.SetBalance(be.address, big.NewInt(1000))
		require.NoError(t, be.relay.Tick(ctx, 101))

		require.False(t, be.relay.IsReady())
		n := requireNotification(t, notifications, NotificationReadinessChanged)
		require.False(t, n.Ready)
	})

	t.Run("zero gas price", func(t *testing.T) {
		be := newReadyBackend(t)
		be.ledger.SetGasPrice(big.NewInt(0))
		require.NoError(t, be.relay.Tick(ctx, 101))
		require.False(t, be.relay.IsReady())
	})

	t.Run("missing chain id", func(t *testing.T) {
		be := newReadyBackend(t)
		be.ledger.SetChainIDErr(errors.New("connection refused"))
		require.Error(t, be.relay.Tick(ctx, 101))
		require.False(t, be.relay.IsReady())

		// recovers on the next block
		be.ledger.SetChainIDErr(nil)
		require.NoError(t, be.relay.Tick(ctx, 102))
		require.True(t, be.relay.IsReady())
	})

	t.Run("readiness recovers when funded", func(t *testing.T) {
		be := newTestBackend(t)
		be.stake()
		be.ledger.SetBalance(be.address, big.NewInt(1))
		require.NoError(t, be.relay.Tick(ctx, 100))
		require.False(t, be.relay.IsReady())

		be.ledger.SetBalance(be.address, oneEther)
		require.NoError(t, be.relay.Tick(ctx, 101))
		require.True(t, be.relay.IsReady())
	})
}

func TestTickStakedRegisters(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)
	notifications := be.relay.Notifications()

	be.ledger.SetRelay(be.address, &ledger.RelayStake{
		TotalStake:   oneEther,
		UnstakeDelay: big.NewInt(3600),
		Owner:        testOwner,
		State:        ledger.RelayStateStaked,
	})
	be.ledger.AddStaked(be.address, oneEther, big.NewInt(3600), 90)

	require.NoError(t, be.relay.Tick(ctx, 100))
	sent := be.ledger.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, testHub, *sent[0].To())
	require.True(t, be.hub.IsMethodCall(sent[0].Data(), "registerRelay"))
	require.False(t, be.relay.IsReady())
	require.Equal(t, StateStakedUnregistered, be.relay.Status().State)

	// registration is in flight, nothing new is sent
	require.NoError(t, be.relay.Tick(ctx, 101))
	require.Len(t, be.ledger.Sent(), 1)

	be.stake()
	be.ledger.AddRelayAdded(be.address, testOwner, testFee, oneEther, big.NewInt(3600), "http://relay.test", 102)
	require.NoError(t, be.relay.Tick(ctx, 102))
	n := requireNotification(t, notifications, NotificationRegistered)
	require.Equal(t, uint64(102), n.Block)
	require.True(t, be.relay.IsReady())
	require.Len(t, be.ledger.Sent(), 1)
}

func TestTickRetriesFailedEvent(t *testing.T) {
	ctx := context.Background()
	be := newReadyBackend(t)
	be.ledger.SetRelay(be.address, &ledger.RelayStake{})
	be.ledger.AddUnstaked(be.address, oneEther, 101)

	be.ledger.SetSendError(func(*ethtypes.Transaction) error { return errors.New("connection reset") })
	require.Error(t, be.relay.Tick(ctx, 101))
	require.Equal(t, uint64(100), be.relay.Status().LastScannedBlock)
	require.Empty(t, be.ledger.Sent())

	be.ledger.SetSendError(nil)
	require.NoError(t, be.relay.Tick(ctx, 102))
	sent := be.ledger.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, testOwner, *sent[0].To())
	require.Equal(t, uint64(102), be.relay.Status().LastScannedBlock)
}

func TestTickRegistrationFailureDoesNotBlockEvents(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)
	be.ledger.SetRelay(be.address, &ledger.RelayStake{TotalStake: oneEther, State: ledger.RelayStateStaked})
	be.ledger.AddStaked(be.address, oneEther, big.NewInt(3600), 90)

	be.ledger.SetSendError(func(*ethtypes.Transaction) error { return errors.New("connection reset") })
	require.NoError(t, be.relay.Tick(ctx, 100))
	require.Equal(t, uint64(100), be.relay.Status().LastScannedBlock)
	require.Empty(t, be.ledger.Sent())

	be.ledger.SetSendError(nil)
	require.NoError(t, be.relay.Tick(ctx, 101))
	sent := be.ledger.Sent()
	require.Len(t, sent, 1)
	require.True(t, be.hub.IsMethodCall(sent[0].Data(), "registerRelay"))
}

func TestTickReplaysHistoryAfterRestart(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)
	notifications := be.relay.Notifications()

	// the relay was registered, removed and unstaked before the server started
	be.ledger.SetRelay(be.address, &ledger.RelayStake{})
	be.ledger.AddStaked(be.address, oneEther, big.NewInt(3600), 10)
	be.ledger.AddRelayAdded(be.address, testOwner, testFee, oneEther, big.NewInt(3600), "http://relay.test", 11)
	be.ledger.AddRelayRemoved(be.address, big.NewInt(5000), 20)
	be.ledger.AddUnstaked(be.address, oneEther, 30)
	be.ledger.SetSendError(func(tx *ethtypes.Transaction) error {
		if be.hub.IsMethodCall(tx.Data(), "registerRelay") {
			return errors.New("execution reverted")
		}
		return nil
	})

	require.NoError(t, be.relay.Tick(ctx, 100))
	sent := be.ledger.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, testOwner, *sent[0].To())
	requireNotification(t, notifications, NotificationUnstaked)

	status := be.relay.Status()
	require.Equal(t, uint64(100), status.LastScannedBlock)
	require.Equal(t, StateRemoved, status.State)
	require.False(t, status.Ready)

	for block := uint64(101); block < 110; block++ {
		require.NoError(t, be.relay.Tick(ctx, block))
	}
	require.Len(t, be.ledger.Sent(), 1)
}

func TestTickReplayKeepsRenewedStake(t *testing.T) {
	ctx := context.Background()
	be := newTestBackend(t)
	be.stake()
	be.ledger.AddStaked(be.address, oneEther, big.NewInt(3600), 10)
	be.ledger.AddRelayRemoved(be.address, big.NewInt(5000), 20)
	be.ledger.AddUnstaked(be.address, oneEther, 30)
	be.ledger.AddStaked(be.address, oneEther, big.NewInt(3600), 40)
	be.ledger.AddRelayAdded(be.address, testOwner, testFee, oneEther, big.NewInt(3600), "http://relay.test", 41)

	notifications := be.relay.Notifications()

	require.NoError(t, be.relay.Tick(ctx, 100))
	require.Empty(t, be.ledger.Sent())
	requireNoNotification(t, notifications, NotificationRemoved, NotificationUnstaked)
	status := be.relay.Status()
	require.False(t, status.Removed)
	require.True(t, status.Ready)
	require.Equal(t, StateRegisteredReady, status.State)
}

func TestTickRelayRemoved(t *testing.T) {
	ctx := context.Background()
	be := newReadyBackend(t)
	notifications := be.relay.Notifications()

	be.ledger.SetRelay(be.address, &ledger.RelayStake{
		TotalStake:   oneEther,
		UnstakeDelay: big.NewInt(3600),
		UnstakeTime:  big.NewInt(5000),
		Owner:        testOwner,
		State:        ledger.RelayStateRemoved,
	})
	be.ledger.AddRelayRemoved(be.address, big.NewInt(5000), 101)
	require.NoError(t, be.relay.Tick(ctx, 101))

	status := be.relay.Status()
	require.True(t, status.Removed)
	require.False(t, status.Ready)
	require.Equal(t, StateUnstaking, status.State)
	n := requireNotification(t, notifications, NotificationRemoved)
	require.Equal(t, uint64(101), n.Block)

	// stays not ready while the stake waits for unstaking
	require.NoError(t, be.relay.Tick(ctx, 102))
	require.False(t, be.relay.IsReady())
}

func TestTickUnstakedSweeps(t *testing.T) {
	ctx := context.Background()
	be := newReadyBackend(t)
	notifications := be.relay.Notifications()

	be.ledger.SetRelay(be.address, &ledger.RelayStake{})
	be.ledger.AddUnstaked(be.address, oneEther, 101)
	require.NoError(t, be.relay.Tick(ctx, 101))

	sent := be.ledger.Sent()
	require.Len(t, sent, 1)
	sweep := sent[0]
	require.Equal(t, testOwner, *sweep.To())
	require.Equal(t, uint64(sweepGasLimit), sweep.Gas())
	require.Equal(t, "1100000000", sweep.GasPrice().String())
	expected := new(big.Int).Sub(oneEther, new(big.Int).Mul(big.NewInt(1_100_000_000), big.NewInt(sweepGasLimit)))
	require.Equal(t, expected.String(), sweep.Value().String())

	n := requireNotification(t, notifications, NotificationUnstaked)
	require.Equal(t, sweep.Hash(), n.TxHash)
	require.Equal(t, StateRemoved, be.relay.Status().State)
	require.False(t, be.relay.IsReady())
}

func TestTickIgnoresOtherRelays(t *testing.T) {
	ctx := context.Background()
	be := newReadyBackend(t)
	notifications := be.relay.Notifications()

	be.ledger.AddRelayRemoved(testSender, big.NewInt(5000), 101)
	require.NoError(t, be.relay.Tick(ctx, 101))
	require.True(t, be.relay.IsReady())
	requireNoNotification(t, notifications, NotificationRemoved)
}

func TestRunPolls(t *testing.T) {
	be := newTestBackend(t)
	be.stake()
	be.relay.pollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- be.relay.Run(ctx)
	}()

	require.Eventually(t, be.relay.IsReady, time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "not-ready", StateNotReady.String())
	require.Equal(t, "staked-unregistered", StateStakedUnregistered.String())
	require.Equal(t, "registered-ready", StateRegisteredReady.String())
	require.Equal(t, "unstaking", StateUnstaking.String())
	require.Equal(t, "removed", StateRemoved.String())
}
