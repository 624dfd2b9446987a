// Package web exposes read-only ledger queries and a live event stream over HTTP.
package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/vadiminshakov/exledger/internal/domain"
	"github.com/vadiminshakov/exledger/internal/services/registry"
)

const heartbeatInterval = 20 * time.Second

type balanceReader interface {
	BalanceOf(asset domain.Asset, account common.Address) *uint256.Int
	FeeAccount() common.Address
	FeePercent() uint64
}

type assetResolver interface {
	Resolve(ref string) (domain.Asset, error)
}

type eventSource interface {
	Subscribe() chan domain.Event
	Unsubscribe(ch chan domain.Event)
}

// Server exposes HTTP endpoints for balance queries and an SSE stream of ledger events.
type Server struct {
	Addr     string
	l        *zap.Logger
	balances balanceReader
	assets   assetResolver
	events   eventSource
}

// NewServer creates a new web server instance.
func NewServer(addr string, l *zap.Logger, balances balanceReader, assets assetResolver, events eventSource) *Server {
	if l == nil {
		l = zap.NewNop()
	}
	return &Server{Addr: addr, l: l, balances: balances, assets: assets, events: events}
}

// Handler returns the request multiplexer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/balance", s.handleBalance)
	mux.HandleFunc("/fees", s.handleFees)
	mux.HandleFunc("/events/stream", s.handleEventStream)
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("http server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with automatic TLS certificates via ACME.
// It also starts an HTTP server on port 80 to handle ACME HTTP-01 challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if len(domains) == 0 {
		return errors.New("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.l.Warn("acme server shutdown", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil {
			s.l.Warn("https server shutdown", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("acme server failed", zap.Error(err))
		}
	}()

	s.l.Info("https server listening", zap.String("addr", s.Addr), zap.Strings("domains", domains))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type balanceResponse struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Balance string `json:"balance"`
}

type feesResponse struct {
	FeeAccount string `json:"fee_account"`
	FeePercent uint64 `json:"fee_percent"`
}

type eventPayload struct {
	Kind     string `json:"kind"`
	Asset    string `json:"asset"`
	Account  string `json:"account"`
	Amount   string `json:"amount"`
	Balance  string `json:"balance"`
	IntentID string `json:"intent_id"`
	Time     int64  `json:"time"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	asset, err := s.assets.Resolve(query.Get("asset"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	account, err := registry.ParseAddress(query.Get("account"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.writeJSON(w, balanceResponse{
		Asset:   asset.Hex(),
		Account: account.Hex(),
		Balance: s.balances.BalanceOf(asset, account).Dec(),
	})
}

func (s *Server) handleFees(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, feesResponse{
		FeeAccount: s.balances.FeeAccount().Hex(),
		FeePercent: s.balances.FeePercent(),
	})
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := s.events.Subscribe()
	defer s.events.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// comment heartbeat so proxies keep the connection
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	var id uint64
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(toPayload(ev))
			if err != nil {
				s.l.Error("failed to encode event", zap.Error(err))
				continue
			}
			id++
			fmt.Fprintf(w, "id: %d\n", id)
			fmt.Fprintf(w, "event: %s\n", eventName(ev.Kind))
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.l.Warn("failed to write response", zap.Error(err))
	}
}

func toPayload(ev domain.Event) eventPayload {
	return eventPayload{
		Kind:     string(ev.Kind),
		Asset:    ev.Asset.Hex(),
		Account:  ev.Account.Hex(),
		Amount:   ev.Amount.Dec(),
		Balance:  ev.Balance.Dec(),
		IntentID: ev.IntentID,
		Time:     ev.Time.Unix(),
	}
}

func eventName(kind domain.EventKind) string {
	if kind == domain.EventWithdraw {
		return "withdraw"
	}
	return "deposit"
}
