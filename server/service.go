package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/go-utils/httplogger"
	"github.com/flashbots/gsn-relay/config"
	"github.com/flashbots/gsn-relay/types"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	pathRoot    = "/"
	pathGetAddr = "/getaddr"
	pathRelay   = "/relay"
	pathAudit   = "/audit"
	pathMetrics = "/metrics"
)

var knownPaths = map[string]bool{
	pathRoot:    true,
	pathGetAddr: true,
	pathRelay:   true,
	pathAudit:   true,
	pathMetrics: true,
}

// HTTPServerTimeouts are various timeouts for requests to the relay's HTTP server
type HTTPServerTimeouts struct {
	Read       time.Duration // Timeout for body reads. None if 0.
	ReadHeader time.Duration // Timeout for header reads. None if 0.
	Write      time.Duration // Timeout for writes. None if 0.
	Idle       time.Duration // Timeout to disconnect idle client connections. None if 0.
}

// NewDefaultHTTPServerTimeouts creates timeouts from the environment
func NewDefaultHTTPServerTimeouts() HTTPServerTimeouts {
	return HTTPServerTimeouts{
		Read:       time.Duration(config.ServerReadTimeoutMs) * time.Millisecond,
		ReadHeader: time.Duration(config.ServerReadHeaderTimeoutMs) * time.Millisecond,
		Write:      time.Duration(config.ServerWriteTimeoutMs) * time.Millisecond,
		Idle:       time.Duration(config.ServerIdleTimeoutMs) * time.Millisecond,
	}
}

// RelayServiceOpts provides all available options for use with NewRelayService
type RelayServiceOpts struct {
	Log        *logrus.Entry
	ListenAddr string
	Server     *RelayServer
	// Gatherer serves /metrics. Defaults to the relay server's registry if it is a gatherer.
	Gatherer prometheus.Gatherer
}

// RelayService is the HTTP front of a relay server
type RelayService struct {
	listenAddr string
	log        *logrus.Entry
	srv        *http.Server
	relay      *RelayServer
	gatherer   prometheus.Gatherer
	httpMetric *InboundHTTPMetrics

	serverTimeouts HTTPServerTimeouts
}

// NewRelayService creates a new RelayService
func NewRelayService(opts RelayServiceOpts) (*RelayService, error) {
	if opts.Server == nil {
		return nil, errors.New("relay server is required")
	}
	registry := opts.Server.cfg.Registry
	gatherer := opts.Gatherer
	if gatherer == nil {
		if g, ok := registry.(prometheus.Gatherer); ok {
			gatherer = g
		} else {
			gatherer = prometheus.DefaultGatherer
		}
	}

	return &RelayService{
		listenAddr:     opts.ListenAddr,
		log:            opts.Log.WithField("module", "service"),
		relay:          opts.Server,
		gatherer:       gatherer,
		httpMetric:     NewInboundHTTPMetrics(registry),
		serverTimeouts: NewDefaultHTTPServerTimeouts(),
	}, nil
}

func (m *RelayService) respondError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := types.ErrorResponse{Error: message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		m.log.WithField("response", resp).WithError(err).Error("could not write error response")
		http.Error(w, "", http.StatusInternalServerError)
	}
}

func (m *RelayService) respondOK(w http.ResponseWriter, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		m.log.WithField("response", response).WithError(err).Error("could not write OK response")
		http.Error(w, "", http.StatusInternalServerError)
	}
}

// respondErr maps rejections to 400 and everything else to 500
func (m *RelayService) respondErr(w http.ResponseWriter, err error) {
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		m.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	m.respondError(w, http.StatusInternalServerError, err.Error())
}

func (m *RelayService) getRouter() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(pathRoot, m.handleRoot)

	r.HandleFunc(pathGetAddr, m.handleGetAddr).Methods(http.MethodGet)
	r.HandleFunc(pathRelay, m.handleRelay).Methods(http.MethodPost)
	r.HandleFunc(pathAudit, m.handleAudit).Methods(http.MethodPost)
	r.Handle(pathMetrics, promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.Use(mux.CORSMethodMiddleware(r))
	withMetrics := InboundHTTPMetricMiddleware(m.httpMetric, r)
	return httplogger.LoggingMiddlewareLogrus(m.log, withMetrics)
}

// StartHTTPServer starts the HTTP server for this relay service instance
func (m *RelayService) StartHTTPServer() error {
	if m.srv != nil {
		return errServerAlreadyRunning
	}

	m.srv = &http.Server{
		Addr:    m.listenAddr,
		Handler: m.getRouter(),

		ReadTimeout:       m.serverTimeouts.Read,
		ReadHeaderTimeout: m.serverTimeouts.ReadHeader,
		WriteTimeout:      m.serverTimeouts.Write,
		IdleTimeout:       m.serverTimeouts.Idle,
		MaxHeaderBytes:    config.ServerMaxHeaderBytes,
	}

	err := m.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones
func (m *RelayService) Shutdown(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}

// ShutdownOnRemoval stops the HTTP server once the relay is removed from the hub
func (m *RelayService) ShutdownOnRemoval(ctx context.Context, notifications <-chan Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-notifications:
			if n.Kind != NotificationRemoved && n.Kind != NotificationUnstaked {
				continue
			}
			m.log.WithField("block", n.Block).Info("relay removed from hub, shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), m.serverTimeouts.Write)
			if err := m.Shutdown(shutdownCtx); err != nil {
				m.log.WithError(err).Warn("http server shutdown failed")
			}
			cancel()
			return
		}
	}
}

func (m *RelayService) handleRoot(w http.ResponseWriter, _ *http.Request) {
	m.respondOK(w, struct{}{})
}

func (m *RelayService) handleGetAddr(w http.ResponseWriter, _ *http.Request) {
	m.respondOK(w, &types.PingResponse{
		RelayServerAddress: m.relay.Address(),
		Ready:              m.relay.IsReady(),
		MinGasPrice:        m.relay.GasPrice(),
		Version:            config.Version,
	})
}

func (m *RelayService) handleRelay(w http.ResponseWriter, req *http.Request) {
	log := m.log.WithFields(logrus.Fields{
		"method":    "relay",
		"requestID": req.Header.Get(types.HeaderRequestID),
	})

	payload := new(types.RelayTransactionRequest)
	if err := types.DecodeJSON(req.Body, payload); err != nil {
		m.respondError(w, http.StatusBadRequest, fmt.Sprintf("%s: %s", errInvalidRequest, err))
		return
	}
	if payload.To == (common.Address{}) {
		m.respondError(w, http.StatusBadRequest, fmt.Sprintf("%s: missing to", errInvalidRequest))
		return
	}

	tx, err := m.relay.CreateRelayTransaction(req.Context(), payload)
	if err != nil {
		log.WithError(err).Info("relay request failed")
		m.respondErr(w, err)
		return
	}
	m.respondOK(w, tx)
}

func (m *RelayService) handleAudit(w http.ResponseWriter, req *http.Request) {
	payload := new(types.AuditRequest)
	if err := types.DecodeJSON(req.Body, payload); err != nil {
		m.respondError(w, http.StatusBadRequest, fmt.Sprintf("%s: %s", errInvalidRequest, err))
		return
	}
	if len(payload.SignedTx) == 0 {
		m.respondError(w, http.StatusBadRequest, fmt.Sprintf("%s: missing signedTx", errInvalidRequest))
		return
	}

	result, err := m.relay.Audit(req.Context(), payload.SignedTx)
	if err != nil {
		m.log.WithError(err).WithField("method", "audit").Warn("audit failed")
		m.respondErr(w, err)
		return
	}
	m.log.WithFields(logrus.Fields{
		"method":  "audit",
		"verdict": result.Verdict,
		"signer":  result.Signer.Hex(),
	}).Info("audited transaction")
	m.respondOK(w, struct{}{})
}
