// Package conn owns the single authenticated socket of a chat session.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/matheus3301/medchat/internal/bus"
	"github.com/matheus3301/medchat/internal/metrics"
	"github.com/matheus3301/medchat/internal/status"
	"github.com/matheus3301/medchat/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrNotConnected is returned by Send unless the session is connected.
	ErrNotConnected = errors.New("not connected")
	// ErrUnauthenticated means the server rejected the credential.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Credentials identify the signed-in user.
type Credentials struct {
	UserID int64
	Token  string
}

func (c Credentials) validate() error {
	if c.UserID <= 0 {
		return fmt.Errorf("%w: missing user id", ErrUnauthenticated)
	}
	if c.Token == "" {
		return fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	return nil
}

// Options configures a Manager.
type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	Backoff          Backoff
	FramesPerSecond  float64
	Burst            int
	Dialer           Dialer
	Bus              *bus.Bus
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
}

// Manager maintains exactly one authenticated connection, reconnecting with
// backoff after unexpected closes until Disconnect or an auth failure.
type Manager struct {
	opts    Options
	machine *status.Machine
	limiter *rate.Limiter
	inbound chan wire.Payload
	logger  *zap.Logger

	mu     sync.Mutex
	creds  Credentials
	conn   Conn
	cancel context.CancelFunc
	done   chan struct{}
	hooks  []func(ctx context.Context)
}

// NewManager creates a disconnected manager.
func NewManager(opts Options, machine *status.Machine) *Manager {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	limit := rate.Inf
	if opts.FramesPerSecond > 0 {
		limit = rate.Limit(opts.FramesPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Manager{
		opts:    opts,
		machine: machine,
		limiter: rate.NewLimiter(limit, burst),
		inbound: make(chan wire.Payload, 256),
		logger:  opts.Logger.Named("conn"),
	}
}

// Inbound delivers decoded server frames in receipt order.
func (m *Manager) Inbound() <-chan wire.Payload {
	return m.inbound
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// UserID returns the user of the current or last session.
func (m *Manager) UserID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds.UserID
}

// OnConnected registers fn to run after every successful handshake, before
// any inbound frame of that connection is delivered.
func (m *Manager) OnConnected(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Connect starts a session for creds. If a session for the same user is
// already running only its token is replaced, and later reconnects use it; a
// session for another user is torn down first.
func (m *Manager) Connect(creds Credentials) error {
	if err := creds.validate(); err != nil {
		return err
	}
	if tokenExpired(creds.Token, time.Now()) {
		return fmt.Errorf("%w: token expired", ErrUnauthenticated)
	}

	m.mu.Lock()
	if m.cancel != nil && m.creds.UserID == creds.UserID && !m.machine.Is(status.AuthFailed) {
		m.creds.Token = creds.Token
		m.mu.Unlock()
		return nil
	}
	stale := m.stopLocked("session replaced")
	m.mu.Unlock()
	if stale != nil {
		<-stale
		m.transition(status.Disconnected)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		// A concurrent Connect won.
		return nil
	}
	if err := m.machine.Transition(status.Connecting); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.creds = creds
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.supervise(ctx, creds.UserID, m.done)
	return nil
}

// Disconnect closes the connection with reason and disables reconnection.
func (m *Manager) Disconnect(reason string) {
	m.mu.Lock()
	done := m.stopLocked(reason)
	m.mu.Unlock()
	if done != nil {
		<-done
	}
	if err := m.machine.Transition(status.Disconnected); err != nil {
		m.logger.Debug("disconnect transition", zap.Error(err))
	}
	m.logger.Info("disconnected", zap.String("reason", reason))
}

// stopLocked cancels the supervisor and closes the live socket. It returns
// the supervisor's done channel, or nil if nothing was running.
func (m *Manager) stopLocked(reason string) chan struct{} {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	m.cancel = nil
	if m.conn != nil {
		_ = m.conn.Close(CloseNormal, reason)
		m.conn = nil
	}
	return m.done
}

// Send encodes p and writes it on the live connection.
func (m *Manager) Send(ctx context.Context, p wire.Payload) error {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil || !m.machine.Is(status.Connected) {
		return ErrNotConnected
	}
	data, err := wire.Encode(p)
	if err != nil {
		return err
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := c.Write(ctx, data); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrNotConnected, wire.TypeOf(p), err)
	}
	m.opts.Metrics.FrameOut(string(wire.TypeOf(p)))
	return nil
}

// currentCreds returns the credentials the next attempt authenticates with.
// Connect for the same user may refresh the token while a session runs.
func (m *Manager) currentCreds() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

func (m *Manager) supervise(ctx context.Context, userID int64, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		err := m.session(ctx, &attempt)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrUnauthenticated) {
			m.logger.Warn("authentication rejected", zap.Int64("user_id", userID), zap.Error(err))
			m.opts.Metrics.AuthFailure()
			m.transition(status.AuthFailed)
			m.opts.Bus.Emit(bus.ConnAuthFailed, err.Error())
			m.mu.Lock()
			if m.done == done && m.cancel != nil {
				m.cancel()
				m.cancel = nil
			}
			m.mu.Unlock()
			return
		}

		m.transition(status.Reconnecting)
		delay := m.opts.Backoff.Delay(attempt)
		attempt++
		m.opts.Metrics.Reconnect()
		m.logger.Info("connection lost, retrying",
			zap.Error(err), zap.Int("attempt", attempt), zap.Duration("delay", delay))

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
		m.transition(status.Connecting)
	}
}

// session runs one connection: dial, handshake, resync hooks, then the read
// loop. It always returns a non-nil error describing why the connection ended.
func (m *Manager) session(ctx context.Context, attempt *int) error {
	creds := m.currentCreds()
	c, err := m.handshake(ctx, creds)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		_ = c.Close(CloseNormal, "canceled")
		return ctx.Err()
	}
	m.conn = c
	hooks := append([]func(context.Context){}, m.hooks...)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.conn == c {
			m.conn = nil
		}
		m.mu.Unlock()
	}()

	*attempt = 0
	m.transition(status.Connected)
	m.logger.Info("connected", zap.Int64("user_id", creds.UserID))
	for _, h := range hooks {
		h(ctx)
	}

	for {
		data, err := c.Read(ctx)
		if err != nil {
			if isAuthClose(err) {
				return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
			}
			return err
		}
		p, err := wire.Decode(data)
		if err != nil {
			m.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		m.opts.Metrics.FrameIn(string(wire.TypeOf(p)))
		if e, ok := p.(wire.Error); ok && e.Code == wire.CodeUnauthenticated {
			_ = c.Close(CloseNormal, "unauthenticated")
			return fmt.Errorf("%w: %s", ErrUnauthenticated, e.Message)
		}
		select {
		case m.inbound <- p:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handshake dials and exchanges auth/auth:ok within HandshakeTimeout.
func (m *Manager) handshake(ctx context.Context, creds Credentials) (Conn, error) {
	hctx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)
	c, err := m.opts.Dialer.Dial(hctx, m.opts.URL, header)
	if err != nil {
		var herr *HandshakeStatusError
		if errors.As(err, &herr) && (herr.Status == http.StatusUnauthorized || herr.Status == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	auth, err := wire.Encode(wire.Auth{UserID: creds.UserID, Token: creds.Token})
	if err != nil {
		_ = c.Close(CloseNormal, "")
		return nil, err
	}
	if err := c.Write(hctx, auth); err != nil {
		_ = c.Close(CloseNormal, "")
		return nil, fmt.Errorf("write auth: %w", err)
	}
	m.opts.Metrics.FrameOut(string(wire.TypeAuth))

	data, err := c.Read(hctx)
	if err != nil {
		_ = c.Close(CloseNormal, "")
		if isAuthClose(err) {
			return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		return nil, fmt.Errorf("read auth response: %w", err)
	}
	p, err := wire.Decode(data)
	if err != nil {
		_ = c.Close(CloseNormal, "")
		return nil, fmt.Errorf("auth response: %w", err)
	}
	m.opts.Metrics.FrameIn(string(wire.TypeOf(p)))
	switch resp := p.(type) {
	case wire.AuthOK:
		return c, nil
	case wire.Error:
		_ = c.Close(CloseNormal, "")
		if resp.Code == wire.CodeUnauthenticated {
			return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, resp.Message)
		}
		return nil, fmt.Errorf("auth response: %w", resp)
	default:
		_ = c.Close(CloseNormal, "")
		return nil, fmt.Errorf("auth response: unexpected %s frame", wire.TypeOf(p))
	}
}

func (m *Manager) transition(to status.State) {
	if err := m.machine.Transition(to); err != nil {
		m.logger.Debug("state transition", zap.Error(err))
	}
}

// HandshakeStatusError is returned by dialers when the HTTP upgrade is refused.
type HandshakeStatusError struct {
	Status int
}

func (e *HandshakeStatusError) Error() string {
	return fmt.Sprintf("upgrade refused: HTTP %d", e.Status)
}
