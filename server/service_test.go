package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/gsn-relay/config"
	"github.com/flashbots/gsn-relay/ledger"
	"github.com/flashbots/gsn-relay/types"
	"github.com/stretchr/testify/require"
)

func TestNewRelayServiceErrors(t *testing.T) {
	t.Run("errors without relay server", func(t *testing.T) {
		_, err := NewRelayService(RelayServiceOpts{Log: testLog})
		require.Error(t, err)
	})
}

func TestWebserver(t *testing.T) {
	t.Run("errors when webserver is already existing", func(t *testing.T) {
		be := newTestBackend(t)
		be.service.srv = &http.Server{}
		err := be.service.StartHTTPServer()
		require.Error(t, err)
	})

	t.Run("webserver error on invalid listenAddr", func(t *testing.T) {
		be := newTestBackend(t)
		be.service.listenAddr = "localhost:876543"
		err := be.service.StartHTTPServer()
		require.Error(t, err)
	})
}

func TestWebserverRootHandler(t *testing.T) {
	be := newTestBackend(t)
	rr := be.request(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, "{}", rr.Body.String())
}

func TestGetAddr(t *testing.T) {
	t.Run("not ready before the first tick", func(t *testing.T) {
		be := newTestBackend(t)
		rr := be.request(t, http.MethodGet, pathGetAddr, nil)
		require.Equal(t, http.StatusOK, rr.Code)

		resp := new(types.PingResponse)
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), resp))
		require.Equal(t, be.address, resp.RelayServerAddress)
		require.False(t, resp.Ready)
		require.Equal(t, config.Version, resp.Version)
	})

	t.Run("ready relay", func(t *testing.T) {
		be := newReadyBackend(t)
		rr := be.request(t, http.MethodGet, pathGetAddr, nil)
		require.Equal(t, http.StatusOK, rr.Code)

		resp := new(types.PingResponse)
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), resp))
		require.True(t, resp.Ready)
		require.Equal(t, "1100000000", resp.MinGasPrice.String())
	})

	t.Run("only GET", func(t *testing.T) {
		be := newTestBackend(t)
		rr := be.request(t, http.MethodPost, pathGetAddr, nil)
		require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}

func TestRelayHandler(t *testing.T) {
	t.Run("returns the signed transaction", func(t *testing.T) {
		be := newReadyBackend(t)
		rr := be.request(t, http.MethodPost, pathRelay, be.validRelayRequest(t))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		tx := new(ethtypes.Transaction)
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), tx))
		require.Equal(t, testHub, *tx.To())
		require.Len(t, be.ledger.Sent(), 1)
		require.Equal(t, be.ledger.Sent()[0].Hash(), tx.Hash())
	})

	t.Run("rejection is a bad request", func(t *testing.T) {
		be := newReadyBackend(t)
		req := be.validRelayRequest(t)
		req.RelayFee = big.NewInt(1)
		rr := be.request(t, http.MethodPost, pathRelay, req)
		require.Equal(t, http.StatusBadRequest, rr.Code)

		resp := new(types.ErrorResponse)
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), resp))
		require.Contains(t, resp.Error, errFeeTooLow.Error())
	})

	t.Run("not ready", func(t *testing.T) {
		be := newTestBackend(t)
		rr := be.request(t, http.MethodPost, pathRelay, be.validRelayRequest(t))
		require.Equal(t, http.StatusBadRequest, rr.Code)
		require.Contains(t, rr.Body.String(), errNotReady.Error())
	})

	t.Run("chain failure is a server error", func(t *testing.T) {
		be := newReadyBackend(t)
		be.ledger.SetSendError(func(*ethtypes.Transaction) error { return context.DeadlineExceeded })
		rr := be.request(t, http.MethodPost, pathRelay, be.validRelayRequest(t))
		require.Equal(t, http.StatusInternalServerError, rr.Code)
	})

	t.Run("invalid json", func(t *testing.T) {
		be := newReadyBackend(t)
		rr := be.request(t, http.MethodPost, pathRelay, "not a request")
		require.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("unknown fields", func(t *testing.T) {
		be := newReadyBackend(t)
		rr := be.request(t, http.MethodPost, pathRelay, map[string]any{"paymaster": "0x01"})
		require.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestAuditHandler(t *testing.T) {
	be := newTestBackend(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	be.ledger.SetRelay(crypto.PubkeyToAddress(key.PublicKey), &ledger.RelayStake{TotalStake: oneEther, State: ledger.RelayStateRegistered})

	tx, err := ethtypes.SignNewTx(key, ethtypes.NewEIP155Signer(testChainID), &ethtypes.LegacyTx{
		Nonce:    1,
		GasPrice: oneGwei,
		Gas:      21000,
		To:       &testOwner,
		Value:    big.NewInt(1),
	})
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	rr := be.request(t, http.MethodPost, pathAudit, &types.AuditRequest{SignedTx: raw})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.JSONEq(t, "{}", rr.Body.String())

	rr = be.request(t, http.MethodPost, pathAudit, &types.AuditRequest{SignedTx: hexutil.Bytes{0x01}})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = be.request(t, http.MethodPost, pathAudit, &types.AuditRequest{})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMetricsHandler(t *testing.T) {
	be := newReadyBackend(t)
	be.request(t, http.MethodGet, pathGetAddr, nil)

	rr := be.request(t, http.MethodGet, pathMetrics, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	require.True(t, strings.Contains(body, "gsn_relay_ready 1"), body)
	require.Contains(t, body, `gsn_relay_inbound_http_requests_total{code="200",method="GET",path="/getaddr"} 1`)
}

func TestShutdownOnRemoval(t *testing.T) {
	be := newTestBackend(t)
	be.service.srv = &http.Server{}

	notifications := make(chan Notification, 2)
	notifications <- Notification{Kind: NotificationReadinessChanged}
	notifications <- Notification{Kind: NotificationRemoved, Block: 10}
	be.service.ShutdownOnRemoval(context.Background(), notifications)
	require.Empty(t, notifications)
}
