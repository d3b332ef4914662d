package client

import (
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/gsn-relay/ledger"
	"github.com/flashbots/gsn-relay/types"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

var (
	testHub     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testTarget  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	testChainID = big.NewInt(1337)
)

// mockRelay fakes a relay server. By default it answers pings as ready and signs
// a relayCall transaction for every request it receives.
type mockRelay struct {
	t   *testing.T
	hub *ledger.Hub

	key     *ecdsa.PrivateKey
	Address common.Address

	mu           sync.Mutex
	requestCount map[string]int
	lastRequest  *types.RelayTransactionRequest
	lastHeaders  http.Header

	// Behaviour knobs, set before the first request
	Ready       bool
	MinGasPrice *big.Int
	Nonce       uint64
	SignKey     *ecdsa.PrivateKey
	Mutate      func(call *ledger.RelayCall)
	PingDelay   time.Duration
	RelayDelay  time.Duration

	handlerOverrideRelay func(w http.ResponseWriter, req *http.Request)

	Server *httptest.Server
}

func newMockRelay(t *testing.T) *mockRelay {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	relay := &mockRelay{
		t:            t,
		hub:          ledger.NewHub(testHub, nil),
		key:          key,
		Address:      crypto.PubkeyToAddress(key.PublicKey),
		requestCount: make(map[string]int),
		Ready:        true,
		MinGasPrice:  big.NewInt(1_000_000_000),
	}
	relay.Server = httptest.NewServer(relay.getRouter())
	t.Cleanup(relay.Server.Close)
	return relay
}

func (m *mockRelay) getRouter() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(pathGetAddr, m.handleGetAddr).Methods(http.MethodGet)
	r.HandleFunc(pathRelay, m.handleRelay).Methods(http.MethodPost)
	r.HandleFunc(pathAudit, m.handleAudit).Methods(http.MethodPost)
	return m.newTestMiddleware(r)
}

func (m *mockRelay) newTestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requestCount[r.URL.EscapedPath()]++
		m.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// GetRequestCount returns the number of requests made to a path
func (m *mockRelay) GetRequestCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount[path]
}

func (m *mockRelay) LastRequest() (*types.RelayTransactionRequest, http.Header) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest, m.lastHeaders
}

func (m *mockRelay) wait(r *http.Request, d time.Duration) bool {
	if d == 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-r.Context().Done():
		return false
	}
}

func (m *mockRelay) handleGetAddr(w http.ResponseWriter, r *http.Request) {
	if !m.wait(r, m.PingDelay) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(&types.PingResponse{
		RelayServerAddress: m.Address,
		Ready:              m.Ready,
		MinGasPrice:        m.MinGasPrice,
		Version:            "test",
	})
	require.NoError(m.t, err)
}

func (m *mockRelay) handleRelay(w http.ResponseWriter, r *http.Request) {
	if !m.wait(r, m.RelayDelay) {
		return
	}
	if m.handlerOverrideRelay != nil {
		m.handlerOverrideRelay(w, r)
		return
	}

	req := new(types.RelayTransactionRequest)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.lastRequest = req
	m.lastHeaders = r.Header.Clone()
	m.mu.Unlock()

	call := &ledger.RelayCall{
		From:            req.From,
		Recipient:       req.To,
		EncodedFunction: req.EncodedFunction,
		TransactionFee:  req.RelayFee,
		GasPrice:        req.GasPrice,
		GasLimit:        req.GasLimit,
		Nonce:           req.RecipientNonce,
		Signature:       req.Signature,
		ApprovalData:    req.ApprovalData,
	}
	if m.Mutate != nil {
		m.Mutate(call)
	}
	data, err := m.hub.PackRelayCall(call)
	require.NoError(m.t, err)

	to := testHub
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    m.Nonce,
		GasPrice: req.GasPrice,
		Gas:      1_000_000,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	})
	key := m.key
	if m.SignKey != nil {
		key = m.SignKey
	}
	signed, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(testChainID), key)
	require.NoError(m.t, err)

	w.Header().Set("Content-Type", "application/json")
	require.NoError(m.t, json.NewEncoder(w).Encode(signed))
}

func (m *mockRelay) handleAudit(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{}`))
}
