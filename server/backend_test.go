package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/gsn-relay/ledger"
	"github.com/flashbots/gsn-relay/ledger/ledgertest"
	"github.com/flashbots/gsn-relay/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var (
	testLog       = logrus.NewEntry(logrus.New())
	testHub       = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testTarget    = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	testOwner     = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	testSenderKey = mustGenerateKey()
	testSender    = crypto.PubkeyToAddress(testSenderKey.PublicKey)
	testFee       = big.NewInt(10)
	testChainID   = big.NewInt(1337)

	oneEther = big.NewInt(1_000_000_000_000_000_000)
	oneGwei  = big.NewInt(1_000_000_000)
)

type testBackend struct {
	ledger  *ledgertest.Backend
	hub     *ledger.Hub
	key     *ecdsa.PrivateKey
	address common.Address
	relay   *RelayServer
	service *RelayService
}

// newTestBackend creates a relay server on an in-memory ledger. The relay is funded but not staked.
func newTestBackend(tb testing.TB, opt ...func(cfg *Config)) *testBackend {
	tb.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(tb, err)
	address := crypto.PubkeyToAddress(key.PublicKey)

	backend := ledgertest.NewBackend(testHub)
	backend.SetBalance(address, oneEther)
	backend.SetDeposit(testTarget, oneEther)
	hub := ledger.NewHub(testHub, backend)

	cfg := Config{
		Log:     testLog,
		Backend: backend,
		Hub:     hub,
		Key:     key,
		Owner:   testOwner,
		URL:     "http://relay.test",
		Fee:     testFee,
	}
	for _, o := range opt {
		o(&cfg)
	}

	relay, err := NewRelayServer(cfg)
	require.NoError(tb, err)

	service, err := NewRelayService(RelayServiceOpts{
		Log:        testLog,
		ListenAddr: "localhost:0",
		Server:     relay,
	})
	require.NoError(tb, err)

	return &testBackend{
		ledger:  backend,
		hub:     hub,
		key:     key,
		address: address,
		relay:   relay,
		service: service,
	}
}

// stake marks the relay registered on the hub
func (be *testBackend) stake() {
	be.ledger.SetRelay(be.address, &ledger.RelayStake{
		TotalStake:   oneEther,
		UnstakeDelay: big.NewInt(3600),
		UnstakeTime:  new(big.Int),
		Owner:        testOwner,
		State:        ledger.RelayStateRegistered,
	})
}

// newReadyBackend returns a registered relay that accepts requests after a tick at block 100
func newReadyBackend(tb testing.TB, opt ...func(cfg *Config)) *testBackend {
	tb.Helper()
	be := newTestBackend(tb, opt...)
	be.stake()
	require.NoError(tb, be.relay.Tick(context.Background(), 100))
	require.True(tb, be.relay.IsReady())
	return be
}

func (be *testBackend) request(tb testing.TB, method, path string, payload any) *httptest.ResponseRecorder {
	tb.Helper()
	var req *http.Request
	var err error

	if payload == nil {
		req, err = http.NewRequest(method, path, bytes.NewReader(nil))
	} else {
		payloadBytes, err2 := json.Marshal(payload)
		require.NoError(tb, err2)
		req, err = http.NewRequest(method, path, bytes.NewReader(payloadBytes))
	}
	require.NoError(tb, err)

	rr := httptest.NewRecorder()
	be.service.getRouter().ServeHTTP(rr, req)
	return rr
}

func mustGenerateKey() *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return key
}

// validRelayRequest returns a request signed by testSender for this relay
func (be *testBackend) validRelayRequest(tb testing.TB) *types.RelayTransactionRequest {
	tb.Helper()
	req := &types.RelayTransactionRequest{
		EncodedFunction: []byte{0x01, 0x00, 0x02},
		From:            testSender,
		To:              testTarget,
		GasPrice:        big.NewInt(2_000_000_000),
		GasLimit:        big.NewInt(100_000),
		RelayFee:        big.NewInt(10),
		RecipientNonce:  big.NewInt(0),
		RelayMaxNonce:   10,
		RelayHubAddress: testHub,
	}
	be.signRequest(tb, req, testSenderKey)
	return req
}

func (be *testBackend) signRequest(tb testing.TB, req *types.RelayTransactionRequest, key *ecdsa.PrivateKey) {
	tb.Helper()
	hash, err := req.RelayRequest(be.address).Hash(testChainID, testHub)
	require.NoError(tb, err)
	sig, err := crypto.Sign(hash.Bytes(), key)
	require.NoError(tb, err)
	sig[crypto.RecoveryIDOffset] += 27
	req.Signature = sig
}

func requireNotification(tb testing.TB, ch <-chan Notification, kind NotificationKind) Notification {
	tb.Helper()
	for {
		select {
		case n := <-ch:
			if n.Kind == kind {
				return n
			}
		default:
			require.FailNow(tb, "missing notification", kind.String())
			return Notification{}
		}
	}
}

func requireNoNotification(tb testing.TB, ch <-chan Notification, kinds ...NotificationKind) {
	tb.Helper()
	for {
		select {
		case n := <-ch:
			require.NotContains(tb, kinds, n.Kind)
		default:
			return
		}
	}
}
