// Copyright 2026 HashBrotherhood Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hashbrotherhood/hashmarket/internal/config"
	"github.com/hashbrotherhood/hashmarket/internal/logging"
)

// Server accepts miner connections and runs a Session per connection.
// It owns the callback client and the journal the sessions spool into
// when the control plane is unreachable.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	client  *Client
	journal *Journal

	listener   net.Listener
	metricsSrv *http.Server

	baseCtx    context.Context
	baseCancel context.CancelFunc

	sessionsMu sync.RWMutex
	sessions   map[string]*Session

	connSem chan struct{}

	stateMu sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewServer(cfg *config.Config) (*Server, error) {
	var journal *Journal
	if cfg.Proxy.JournalDir != "" {
		var err error
		journal, err = NewJournal(
			cfg.Proxy.JournalDir,
			cfg.Proxy.ControlPlaneUrl,
			cfg.Proxy.Region,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to open callback journal: %w", err)
		}
	}
	maxConns := int(cfg.Proxy.MaxConnections)
	if maxConns <= 0 {
		maxConns = 500
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		logger:     logging.GetLogger().With("component", "proxy"),
		client:     NewClient(cfg.Proxy.ControlPlaneUrl),
		journal:    journal,
		baseCtx:    ctx,
		baseCancel: cancel,
		sessions:   make(map[string]*Session),
		connSem:    make(chan struct{}, maxConns),
	}, nil
}

func (srv *Server) Start() error {
	addr := fmt.Sprintf(
		"%s:%d",
		srv.cfg.Proxy.ListenAddress,
		srv.cfg.Proxy.ListenPort,
	)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind stratum listener: %w", err)
	}
	srv.listener = listener
	srv.logger.Info(
		"stratum proxy listening",
		"address", listener.Addr().String(),
		"region", srv.cfg.Proxy.Region,
		"controlPlane", srv.cfg.Proxy.ControlPlaneUrl,
	)
	if srv.cfg.Proxy.MetricsPort > 0 {
		srv.startMetrics()
	}
	srv.wg.Add(2)
	go func() {
		defer srv.wg.Done()
		srv.acceptLoop()
	}()
	go func() {
		defer srv.wg.Done()
		srv.reportLoop()
	}()
	return nil
}

// Addr returns the bound listener address, or nil before Start
func (srv *Server) Addr() net.Addr {
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

func (srv *Server) acceptLoop() {
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			srv.logger.Warn("accept failed", "error", err)
			continue
		}
		select {
		case srv.connSem <- struct{}{}:
		default:
			srv.logger.Warn(
				"connection limit reached, rejecting miner",
				"remote", conn.RemoteAddr().String(),
			)
			conn.Close()
			continue
		}
		metricSessionsTotal.Inc()
		sess := newSession(srv, conn)
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			defer func() { <-srv.connSem }()
			sess.run()
		}()
	}
}

// register installs a session for a worker id and returns whichever
// session it displaced, if any
func (srv *Server) register(workerId string, sess *Session) *Session {
	srv.sessionsMu.Lock()
	defer srv.sessionsMu.Unlock()
	prior := srv.sessions[workerId]
	srv.sessions[workerId] = sess
	return prior
}

func (srv *Server) unregister(workerId string, sess *Session) {
	if workerId == "" {
		return
	}
	srv.sessionsMu.Lock()
	defer srv.sessionsMu.Unlock()
	if srv.sessions[workerId] == sess {
		delete(srv.sessions, workerId)
	}
}

func (srv *Server) liveSessions() []*Session {
	srv.sessionsMu.RLock()
	defer srv.sessionsMu.RUnlock()
	out := make([]*Session, 0, len(srv.sessions))
	for _, sess := range srv.sessions {
		out = append(out, sess)
	}
	return out
}

// sendOrSpool delivers one callback, falling back to the journal when
// the control plane looks temporarily unreachable. Rejections (4xx) are
// final and only logged.
func (srv *Server) sendOrSpool(kind string, params url.Values) {
	ctx, cancel := context.WithTimeout(srv.baseCtx, callbackTimeout)
	defer cancel()
	err := srv.client.Post(ctx, kind, params)
	if err == nil {
		return
	}
	if !IsRetryable(err) {
		srv.logger.Warn(
			"callback rejected by control plane",
			"kind", kind,
			"error", err,
		)
		return
	}
	srv.spool(kind, params)
}

func (srv *Server) spool(kind string, params url.Values) {
	if srv.journal == nil {
		metricCallbacksDropped.Inc()
		srv.logger.Warn("callback lost, no journal configured", "kind", kind)
		return
	}
	if err := srv.journal.Append(kind, params); err != nil {
		metricCallbacksDropped.Inc()
		srv.logger.Error(
			"failed to journal callback",
			"kind", kind,
			"error", err,
		)
	}
}

func (srv *Server) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc(
		"/healthcheck",
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		},
	)
	srv.metricsSrv = &http.Server{
		Addr: fmt.Sprintf(
			"%s:%d",
			srv.cfg.Proxy.ListenAddress,
			srv.cfg.Proxy.MetricsPort,
		),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.logger.Info("metrics listening", "address", srv.metricsSrv.Addr)
	go func() {
		err := srv.metricsSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Stop closes the listener, terminates every session and flushes what it
// can of the journal. In-flight callbacks race shutdown and lose; they
// land in the journal and replay on the next start.
func (srv *Server) Stop() error {
	srv.stateMu.Lock()
	if srv.stopped {
		srv.stateMu.Unlock()
		return nil
	}
	srv.stopped = true
	srv.stateMu.Unlock()
	srv.logger.Info("stratum proxy stopping")
	if srv.listener != nil {
		srv.listener.Close()
	}
	srv.baseCancel()
	for _, sess := range srv.liveSessions() {
		sess.terminate(ReasonShutdown)
	}
	srv.wg.Wait()
	if srv.journal != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(),
			5*time.Second,
		)
		defer cancel()
		if n, err := srv.journal.Drain(ctx, srv.client.Post); err != nil {
			srv.logger.Debug(
				"journal flush incomplete",
				"delivered", n,
				"error", err,
			)
		}
		if err := srv.journal.Close(); err != nil {
			srv.logger.Warn("failed to close journal", "error", err)
		}
	}
	if srv.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(),
			5*time.Second,
		)
		defer cancel()
		_ = srv.metricsSrv.Shutdown(ctx)
	}
	srv.logger.Info("stratum proxy stopped")
	return nil
}
