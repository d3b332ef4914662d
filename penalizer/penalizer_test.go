package penalizer

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/gsn-relay/ledger"
	"github.com/flashbots/gsn-relay/ledger/ledgertest"
	"github.com/flashbots/gsn-relay/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	to   common.Address
	data []byte
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, to common.Address, data []byte) (*ethtypes.Transaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.to = to
	f.data = data
	return ethtypes.NewTx(&ethtypes.LegacyTx{To: &to, Data: data, GasPrice: new(big.Int), Value: new(big.Int)}), nil
}

func evidence(t *testing.T, nonce uint64, to *common.Address, data []byte) *Evidence {
	t.Helper()
	chainID := big.NewInt(1)
	e, err := FromTransaction(signLegacy(t, ethtypes.NewEIP155Signer(chainID), nonce, to, data), chainID)
	require.NoError(t, err)
	return e
}

func TestCheckRepeatedNonce(t *testing.T) {
	a := evidence(t, 4, &someone, []byte{0x01})
	b := evidence(t, 4, &someone, []byte{0x02})
	require.NoError(t, CheckRepeatedNonce(a, b))

	c := evidence(t, 5, &someone, []byte{0x02})
	require.ErrorIs(t, CheckRepeatedNonce(a, c), ErrNoncesDiffer)

	require.ErrorIs(t, CheckRepeatedNonce(a, a), ErrSameTransaction)

	other := *b
	other.Signer = someone
	require.ErrorIs(t, CheckRepeatedNonce(a, &other), ErrDifferentSigners)
}

func TestCheckIllegalTransaction(t *testing.T) {
	hub := ledger.NewHub(testHub, nil)

	relayCall, err := hub.PackRelayCall(&ledger.RelayCall{
		EncodedFunction: []byte{0x01},
		TransactionFee:  big.NewInt(10),
		GasPrice:        big.NewInt(1),
		GasLimit:        big.NewInt(100_000),
		Nonce:           big.NewInt(0),
	})
	require.NoError(t, err)
	registerRelay, err := hub.PackRegisterRelay(big.NewInt(10), "http://relay")
	require.NoError(t, err)
	unstake, err := hub.ABI().Pack("unstake", testSender)
	require.NoError(t, err)

	require.ErrorIs(t, CheckIllegalTransaction(evidence(t, 0, &testHub, relayCall), hub), ErrLegalTransaction)
	require.ErrorIs(t, CheckIllegalTransaction(evidence(t, 0, &testHub, registerRelay), hub), ErrLegalTransaction)
	require.NoError(t, CheckIllegalTransaction(evidence(t, 0, &testHub, unstake), hub))
	require.NoError(t, CheckIllegalTransaction(evidence(t, 0, &someone, relayCall), hub))
	require.NoError(t, CheckIllegalTransaction(evidence(t, 0, nil, nil), hub))
}

func TestPenalizer(t *testing.T) {
	ctx := context.Background()
	log := logrus.NewEntry(logrus.New())

	newPenalizer := func(staked bool) (*Penalizer, *fakeSubmitter) {
		backend := ledgertest.NewBackend(testHub)
		if staked {
			backend.SetRelay(testSender, &ledger.RelayStake{
				TotalStake:   big.NewInt(1e18),
				UnstakeDelay: big.NewInt(3600),
				State:        ledger.RelayStateRegistered,
			})
		}
		submitter := &fakeSubmitter{}
		return New(log, ledger.NewHub(testHub, backend), submitter), submitter
	}

	t.Run("repeated nonce", func(t *testing.T) {
		p, submitter := newPenalizer(true)
		a := evidence(t, 4, &someone, []byte{0x01})
		b := evidence(t, 4, &someone, []byte{0x02})

		_, err := p.PenalizeRepeatedNonce(ctx, a, b)
		require.NoError(t, err)
		require.Equal(t, testHub, submitter.to)

		method := ledger.NewHub(testHub, nil).ABI().Methods["penalizeRepeatedNonce"]
		require.Equal(t, method.ID, submitter.data[:4])
		args, err := method.Inputs.Unpack(submitter.data[4:])
		require.NoError(t, err)
		require.Equal(t, a.UnsignedTx, args[0])
		require.Equal(t, a.Signature, args[1])
		require.Equal(t, b.UnsignedTx, args[2])
		require.Equal(t, b.Signature, args[3])
	})

	t.Run("different nonces are not evidence", func(t *testing.T) {
		p, submitter := newPenalizer(true)
		_, err := p.PenalizeRepeatedNonce(ctx, evidence(t, 4, &someone, nil), evidence(t, 5, &someone, nil))
		require.ErrorIs(t, err, ErrNoncesDiffer)
		require.Nil(t, submitter.data)
	})

	t.Run("illegal transaction", func(t *testing.T) {
		p, submitter := newPenalizer(true)
		e := evidence(t, 1, &someone, nil)
		_, err := p.PenalizeIllegalTransaction(ctx, e)
		require.NoError(t, err)

		method := ledger.NewHub(testHub, nil).ABI().Methods["penalizeIllegalTransaction"]
		require.Equal(t, method.ID, submitter.data[:4])
	})

	t.Run("unstaked relays are not penalized", func(t *testing.T) {
		p, submitter := newPenalizer(false)
		_, err := p.PenalizeIllegalTransaction(ctx, evidence(t, 1, &someone, nil))
		require.ErrorIs(t, err, ErrNotStaked)
		require.Nil(t, submitter.data)
	})

	t.Run("submission failures are chain failures", func(t *testing.T) {
		p, submitter := newPenalizer(true)
		submitter.err = errors.New("insufficient funds")
		_, err := p.PenalizeIllegalTransaction(ctx, evidence(t, 1, &someone, nil))
		require.ErrorIs(t, err, types.ErrChainRPCFailure)
	})
}
