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
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hashbrotherhood/hashmarket/internal/logging"
	"github.com/hashbrotherhood/hashmarket/internal/stratum"
)

const (
	handshakeTimeout = 30 * time.Second
	idleTimeout      = 600 * time.Second
	poolDialTimeout  = 10 * time.Second
	pendingShareTtl  = 120 * time.Second

	// proxyRequestId tags the proxy's own pool-side requests; it sits far
	// above anything a miner counts up to, so replies bearing it can be
	// consumed instead of relayed
	proxyRequestId = 999999991
)

var proxyIdKey = strconv.Itoa(proxyRequestId)

// Share outcomes on the callback wire
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeStale    = "stale"
)

// Disconnect reasons on the callback wire
const (
	ReasonMinerClosed   = "miner_closed"
	ReasonPoolClosed    = "pool_closed"
	ReasonIdleTimeout   = "idle_timeout"
	ReasonOversizedLine = "oversized_line"
	ReasonReplaced      = "replaced"
	ReasonShutdown      = "shutdown"
)

type pendingShare struct {
	difficulty float64
	at         time.Time
}

type pendingCallback struct {
	kind   string
	params url.Values
}

// Session relays one miner connection to its rented order's destination
// pool, substituting credentials on the way in and grading share replies
// on the way out. The miner and pool halves run as independent goroutines;
// either one ending ends both.
type Session struct {
	server    *Server
	logger    *slog.Logger
	minerConn net.Conn
	poolConn  net.Conn

	uid       string
	workerId  string
	dialect   stratum.Dialect
	order     *OrderInfo
	userAgent string

	minerWriteMu sync.Mutex
	poolWriteMu  sync.Mutex

	mu            sync.Mutex
	difficulty    float64
	pendingShares map[string]pendingShare
	acceptedTotal int64
	rejectedTotal int64
	staleTotal    int64

	estimator *Estimator

	callbacks chan pendingCallback
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

func newSession(server *Server, conn net.Conn) *Session {
	uid := uuid.NewString()
	logger := logging.GetLogger().With("component", "proxy", "session", uid)
	return &Session{
		server:    server,
		logger:    logger,
		minerConn: conn,
		uid:       uid,
		pendingShares: make(map[string]pendingShare),
		estimator:     NewEstimator(),
		callbacks:     make(chan pendingCallback, 256),
		closed:        make(chan struct{}),
	}
}

func (s *Session) run() {
	scanner := newLineScanner(s.minerConn)
	if err := s.handshake(scanner); err != nil {
		metricSessionsRejected.Inc()
		s.logger.Debug("handshake failed", "error", err)
		s.shutdownConns()
		return
	}
	metricSessionsActive.Inc()
	defer metricSessionsActive.Dec()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.callbackWorker()
	}()

	relayDone := make(chan string, 2)
	go s.relayMinerToPool(scanner, relayDone)
	go s.relayPoolToMiner(relayDone)
	s.terminate(<-relayDone)
	<-relayDone
	s.wg.Wait()
}

// handshake reads miner traffic until the authorize/login arrives, then
// resolves the order, dials its pool and replays the credentials. The
// same scanner carries on into the relay so pipelined frames survive.
func (s *Session) handshake(scanner *bufio.Scanner) error {
	deadline := time.Now().Add(handshakeTimeout)
	var authMsg *stratum.Message
	var authLine []byte
	for authMsg == nil {
		if err := s.minerConn.SetReadDeadline(deadline); err != nil {
			return err
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return io.EOF
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := stratum.Parse(line)
		if err != nil {
			s.writeMinerError(nil, "invalid message")
			return fmt.Errorf("unparseable handshake line: %w", err)
		}
		switch msg.Method {
		case stratum.MethodSubscribe:
			s.dialect = stratum.DialectA
			s.userAgent = subscribeUserAgent(msg)
			if err := s.answerSubscribe(msg.Id); err != nil {
				return err
			}
		case stratum.MethodAuthorize:
			s.dialect = stratum.DialectA
			authMsg = msg
			authLine = append([]byte(nil), line...)
		case stratum.MethodLogin:
			s.dialect = stratum.DialectB
			s.userAgent = loginUserAgent(msg)
			authMsg = msg
			authLine = append([]byte(nil), line...)
		default:
			// Pre-auth extras (mining.configure and friends) get a
			// permissive ack so pipelining miners keep going
			if _, ok := stratum.IdKey(msg.Id); ok {
				if err := s.writeMinerResult(msg.Id, true); err != nil {
					return err
				}
			}
		}
	}

	login, ok := authMsg.LoginUser()
	if !ok {
		s.writeMinerError(authMsg.Id, "malformed credentials")
		return errors.New("credentials missing from authorize")
	}
	workerId := stratum.WorkerIdFromLogin(login)
	if !stratum.ValidWorkerId(workerId) {
		s.writeMinerError(authMsg.Id, "unauthorized worker")
		return fmt.Errorf("worker id %q is not an order code", workerId)
	}
	ctx, cancel := context.WithTimeout(s.server.baseCtx, callbackTimeout)
	defer cancel()
	info, err := s.server.client.GetOrder(ctx, workerId)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			s.writeMinerError(authMsg.Id, "unauthorized worker")
		} else {
			s.writeMinerError(authMsg.Id, "service unavailable")
		}
		return err
	}
	s.workerId = workerId
	s.order = info
	s.logger = s.logger.With(
		"workerId", workerId,
		"dialect", s.dialect.String(),
	)

	if err := s.dialPool(); err != nil {
		metricPoolDialFailures.Inc()
		s.writeMinerError(authMsg.Id, "pool unavailable")
		return err
	}
	if err := s.replayHandshake(authLine); err != nil {
		s.writeMinerError(authMsg.Id, "pool handshake failed")
		return err
	}

	// One live connection per worker id; a reconnect displaces the old
	// session rather than mining alongside it
	if prior := s.server.register(s.workerId, s); prior != nil {
		prior.terminate(ReasonReplaced)
	}
	s.enqueueCallback(CallbackConnect, s.server.client.ConnectParams(
		s.workerId,
		s.uid,
		remoteIp(s.minerConn),
		s.userAgent,
		s.server.cfg.Proxy.Region,
	))
	s.logger.Info(
		"miner session established",
		"pool", s.order.PoolAddr(),
		"remote", s.minerConn.RemoteAddr().String(),
	)
	return nil
}

// answerSubscribe replies with a synthetic subscription; the real pool
// renegotiates these right after the authorize replay
func (s *Session) answerSubscribe(id json.RawMessage) error {
	extranonce := make([]byte, 4)
	if _, err := rand.Read(extranonce); err != nil {
		return err
	}
	result := []any{
		[]any{
			[]any{stratum.MethodSetDifficulty, s.uid},
			[]any{stratum.MethodNotify, s.uid},
		},
		hex.EncodeToString(extranonce),
		4,
	}
	return s.writeMinerResult(id, result)
}

func (s *Session) dialPool() error {
	conn, err := net.DialTimeout("tcp", s.order.PoolAddr(), poolDialTimeout)
	if err == nil {
		s.poolConn = conn
		return nil
	}
	backup := s.order.BackupPoolAddr()
	if backup == "" {
		return fmt.Errorf("pool dial failed: %w", err)
	}
	s.logger.Warn(
		"primary pool unreachable, trying backup",
		"pool", s.order.PoolAddr(),
		"error", err,
	)
	conn, err = net.DialTimeout("tcp", backup, poolDialTimeout)
	if err != nil {
		return fmt.Errorf("backup pool dial failed: %w", err)
	}
	s.poolConn = conn
	return nil
}

// replayHandshake opens the pool-side conversation with the order's
// stored credentials. The miner's original request id is kept on the
// authorize/login so the pool's reply relays back as the answer the
// miner is waiting for.
func (s *Session) replayHandshake(authLine []byte) error {
	obj, ok := stratum.DecodeObject(authLine)
	if !ok {
		return errors.New("authorize line does not decode")
	}
	switch s.dialect {
	case stratum.DialectA:
		sub, err := stratum.MarshalRequest(
			proxyRequestId,
			stratum.MethodSubscribe,
			[]any{s.userAgent},
		)
		if err != nil {
			return err
		}
		if err := s.writePool(sub); err != nil {
			return err
		}
		stratum.RewriteAuthorize(obj, s.order.PoolUser(), s.order.PoolPassword)
	case stratum.DialectB:
		if !stratum.RewriteLogin(obj, s.order.PoolUser(), s.order.PoolPassword) {
			return errors.New("login params are not an object")
		}
	default:
		return fmt.Errorf("unsupported dialect %s", s.dialect)
	}
	line, err := stratum.EncodeObject(obj)
	if err != nil {
		return err
	}
	return s.writePool(line)
}

func (s *Session) relayMinerToPool(
	scanner *bufio.Scanner,
	done chan<- string,
) {
	for {
		if err := s.minerConn.SetReadDeadline(
			time.Now().Add(idleTimeout),
		); err != nil {
			done <- ReasonMinerClosed
			return
		}
		if !scanner.Scan() {
			done <- scanReason(scanner.Err(), ReasonMinerClosed)
			return
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := s.forwardMinerLine(line); err != nil {
			done <- ReasonPoolClosed
			return
		}
	}
}

// forwardMinerLine pushes one miner frame poolward, rewriting credential
// fields and tracking submits so their replies can be graded. Frames that
// do not parse are forwarded untouched.
func (s *Session) forwardMinerLine(line []byte) error {
	msg, err := stratum.Parse(line)
	if err != nil {
		return s.writePool(line)
	}
	switch msg.Method {
	case stratum.MethodSubmit, stratum.MethodSubmitWork:
		return s.forwardSubmit(msg, line)
	case stratum.MethodAuthorize:
		obj, ok := stratum.DecodeObject(line)
		if !ok {
			return s.writePool(line)
		}
		stratum.RewriteAuthorize(obj, s.order.PoolUser(), s.order.PoolPassword)
		out, err := stratum.EncodeObject(obj)
		if err != nil {
			return err
		}
		return s.writePool(out)
	case stratum.MethodLogin:
		obj, ok := stratum.DecodeObject(line)
		if !ok {
			return s.writePool(line)
		}
		if !stratum.RewriteLogin(obj, s.order.PoolUser(), s.order.PoolPassword) {
			return s.writePool(line)
		}
		out, err := stratum.EncodeObject(obj)
		if err != nil {
			return err
		}
		return s.writePool(out)
	default:
		return s.writePool(line)
	}
}

func (s *Session) forwardSubmit(msg *stratum.Message, line []byte) error {
	out := line
	if msg.Method == stratum.MethodSubmit {
		// Dialect A names the worker in params[0]. Dialect B submits are
		// keyed by the pool-assigned login id and carry no credentials.
		obj, ok := stratum.DecodeObject(line)
		if ok && stratum.RewriteSubmitWorker(obj, s.order.PoolUser()) {
			if encoded, err := stratum.EncodeObject(obj); err == nil {
				out = encoded
			}
		}
	}
	if key, ok := stratum.IdKey(msg.Id); ok {
		s.trackSubmit(key)
	}
	return s.writePool(out)
}

func (s *Session) trackSubmit(key string) {
	s.mu.Lock()
	s.pendingShares[key] = pendingShare{
		difficulty: s.difficulty,
		at:         time.Now(),
	}
	s.mu.Unlock()
}

func (s *Session) relayPoolToMiner(done chan<- string) {
	scanner := newLineScanner(s.poolConn)
	for {
		if err := s.poolConn.SetReadDeadline(
			time.Now().Add(idleTimeout),
		); err != nil {
			done <- ReasonPoolClosed
			return
		}
		if !scanner.Scan() {
			done <- scanReason(scanner.Err(), ReasonPoolClosed)
			return
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := s.forwardPoolLine(line); err != nil {
			done <- ReasonMinerClosed
			return
		}
	}
}

// forwardPoolLine relays one pool frame minerward, watching for
// difficulty changes and grading replies to tracked submits. Pool bytes
// reach the miner unmodified; credential substitution is inbound-only.
func (s *Session) forwardPoolLine(line []byte) error {
	msg, err := stratum.Parse(line)
	if err != nil {
		return s.writeMiner(line)
	}
	if key, ok := stratum.IdKey(msg.Id); ok {
		if key == proxyIdKey {
			// Reply to the proxy's own subscribe; the miner was already
			// answered during the handshake
			return nil
		}
		if share, found := s.popPending(key); found {
			s.gradeShare(msg, share)
		}
	}
	switch {
	case msg.Method == stratum.MethodSetDifficulty:
		if diff, ok := msg.SetDifficultyValue(); ok {
			s.setDifficulty(diff)
		}
	case s.dialect == stratum.DialectB:
		if target, ok := msg.JobTarget(); ok {
			if diff, ok := stratum.DifficultyFromTarget(target); ok {
				s.setDifficulty(diff)
			}
		}
	}
	return s.writeMiner(line)
}

func (s *Session) setDifficulty(diff float64) {
	s.mu.Lock()
	s.difficulty = diff
	s.mu.Unlock()
	s.logger.Debug("difficulty updated", "difficulty", diff)
}

func (s *Session) popPending(key string) (pendingShare, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	share, ok := s.pendingShares[key]
	if ok {
		delete(s.pendingShares, key)
	}
	return share, ok
}

func (s *Session) gradeShare(msg *stratum.Message, share pendingShare) {
	outcome := OutcomeRejected
	if msg.ResultAccepted() {
		outcome = OutcomeAccepted
	}
	s.mu.Lock()
	if outcome == OutcomeAccepted {
		s.acceptedTotal++
	} else {
		s.rejectedTotal++
	}
	s.mu.Unlock()
	if outcome == OutcomeAccepted {
		s.estimator.AddAccepted(share.difficulty)
	} else {
		s.estimator.AddRejected()
	}
	metricSharesTotal.WithLabelValues(outcome).Inc()
	s.enqueueCallback(CallbackShare, s.server.client.ShareParams(
		s.workerId,
		s.uid,
		outcome,
		share.difficulty,
		s.estimator.Estimate(),
	))
}

// sweepStale expires tracked submits whose replies never came
func (s *Session) sweepStale() {
	cutoff := time.Now().Add(-pendingShareTtl)
	var staled int64
	s.mu.Lock()
	for key, share := range s.pendingShares {
		if share.at.Before(cutoff) {
			delete(s.pendingShares, key)
			staled++
		}
	}
	s.staleTotal += staled
	s.mu.Unlock()
	for i := int64(0); i < staled; i++ {
		metricSharesTotal.WithLabelValues(OutcomeStale).Inc()
		s.enqueueCallback(CallbackShare, s.server.client.ShareParams(
			s.workerId, s.uid, OutcomeStale, 0, 0,
		))
	}
}

// reportHashrate sends the periodic snapshot for this session
func (s *Session) reportHashrate() {
	s.sweepStale()
	rate, accepted, rejected := s.estimator.Snapshot()
	s.enqueueCallback(CallbackHashrate, s.server.client.HashrateParams(
		s.workerId, rate, "H/s", accepted, rejected,
	))
}

// enqueueCallback hands a callback to the session's delivery worker
// without ever blocking a relay loop
func (s *Session) enqueueCallback(kind string, params url.Values) {
	select {
	case s.callbacks <- pendingCallback{kind: kind, params: params}:
	default:
		// Queue full; deliver out of band rather than stall the relay
		go s.server.sendOrSpool(kind, params)
	}
}

func (s *Session) callbackWorker() {
	for {
		select {
		case cb := <-s.callbacks:
			s.server.sendOrSpool(cb.kind, cb.params)
		case <-s.closed:
			for {
				select {
				case cb := <-s.callbacks:
					s.server.sendOrSpool(cb.kind, cb.params)
				default:
					return
				}
			}
		}
	}
}

// terminate ends the session exactly once: both sockets close, the
// registry entry goes away, and the disconnect callback carries the
// final counters
func (s *Session) terminate(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		accepted := s.acceptedTotal
		rejected := s.rejectedTotal
		stale := s.staleTotal
		s.mu.Unlock()
		s.server.unregister(s.workerId, s)
		if s.workerId != "" {
			s.enqueueCallback(
				CallbackDisconnect,
				s.server.client.DisconnectParams(
					s.workerId, s.uid, reason, accepted, rejected, stale,
				),
			)
			s.logger.Info(
				"session closed",
				"reason", reason,
				"accepted", accepted,
				"rejected", rejected,
				"stale", stale,
			)
		}
		close(s.closed)
		s.shutdownConns()
	})
}

func (s *Session) shutdownConns() {
	s.minerConn.Close()
	if s.poolConn != nil {
		s.poolConn.Close()
	}
}

func (s *Session) writeMiner(line []byte) error {
	s.minerWriteMu.Lock()
	defer s.minerWriteMu.Unlock()
	return writeLine(s.minerConn, line)
}

func (s *Session) writePool(line []byte) error {
	s.poolWriteMu.Lock()
	defer s.poolWriteMu.Unlock()
	return writeLine(s.poolConn, line)
}

func (s *Session) writeMinerResult(id json.RawMessage, result any) error {
	line, err := stratum.MarshalResult(id, result)
	if err != nil {
		return err
	}
	return s.writeMiner(line)
}

func (s *Session) writeMinerError(id json.RawMessage, message string) {
	line, err := stratum.MarshalError(
		id,
		stratum.ErrCodeUnauthorized,
		message,
	)
	if err != nil {
		return
	}
	// Best effort; the socket is about to close anyway
	_ = s.writeMiner(line)
}

func newLineScanner(conn net.Conn) *bufio.Scanner {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), stratum.MaxLineBytes)
	return scanner
}

func writeLine(conn net.Conn, line []byte) error {
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := conn.Write(buf)
	return err
}

func scanReason(err error, peerReason string) string {
	switch {
	case err == nil:
		return peerReason
	case errors.Is(err, bufio.ErrTooLong):
		return ReasonOversizedLine
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ReasonIdleTimeout
	default:
		return peerReason
	}
}

func subscribeUserAgent(msg *stratum.Message) string {
	var params []json.RawMessage
	if err := json.Unmarshal(msg.Params, &params); err != nil ||
		len(params) == 0 {
		return ""
	}
	var agent string
	if err := json.Unmarshal(params[0], &agent); err != nil {
		return ""
	}
	return agent
}

func loginUserAgent(msg *stratum.Message) string {
	var params struct {
		Agent string `json:"agent"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return ""
	}
	return params.Agent
}

func remoteIp(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
