package conn

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/medchat/internal/wire"
)

// fakeConn is an in-memory socket. The test plays the server side through
// toClient/toServer.
type fakeConn struct {
	toClient chan []byte
	toServer chan []byte
	closed   chan struct{}
	once     sync.Once
	mu       sync.Mutex
	readErr  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		toClient: make(chan []byte, 64),
		toServer: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case d := <-c.toClient:
		return d, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.readErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed conn")
	default:
	}
	select {
	case c.toServer <- data:
		return nil
	case <-c.closed:
		return errors.New("write on closed conn")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close(code int, reason string) error {
	c.kill(&CloseError{Code: code, Reason: reason})
	return nil
}

func (c *fakeConn) kill(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.readErr = err
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) closeErr() *CloseError {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ce *CloseError
	if errors.As(c.readErr, &ce) {
		return ce
	}
	return nil
}

// push sends a server frame to the client.
func (c *fakeConn) push(t *testing.T, p wire.Payload) {
	t.Helper()
	data, err := wire.Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	c.toClient <- data
}

// next reads the next client frame.
func (c *fakeConn) next(t *testing.T) wire.Payload {
	t.Helper()
	select {
	case data := <-c.toServer:
		p, err := wire.Decode(data)
		if err != nil {
			t.Fatal(err)
		}
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for client frame")
		return nil
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	fail  error
	conns chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, header http.Header) (Conn, error) {
	d.mu.Lock()
	d.dials++
	fail := d.fail
	d.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	if header.Get("Authorization") == "" {
		return nil, &HandshakeStatusError{Status: http.StatusUnauthorized}
	}
	c := newFakeConn()
	select {
	case d.conns <- c:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// accept waits for the next dial and returns the server side of it
// without answering the handshake.
func (d *fakeDialer) accept(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dial")
		return nil
	}
}

// acceptAuth accepts a dial, checks the auth frame and replies auth:ok.
func (d *fakeDialer) acceptAuth(t *testing.T, wantUser int64) *fakeConn {
	t.Helper()
	c := d.accept(t)
	p := c.next(t)
	auth, ok := p.(wire.Auth)
	if !ok {
		t.Fatalf("first frame = %T, want wire.Auth", p)
	}
	if auth.UserID != wantUser {
		t.Errorf("auth user = %d, want %d", auth.UserID, wantUser)
	}
	c.push(t, wire.AuthOK{UserID: auth.UserID})
	return c
}
