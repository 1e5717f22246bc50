package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading_gate/config"
	"trading_gate/state"
)

type recordingHandler struct {
	mu        sync.Mutex
	sessions  int
	requests  []Request
	protoErrs []error
}

func (h *recordingHandler) SessionStarted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions++
}

func (h *recordingHandler) Handle(ctx context.Context, req Request) Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, req)
	return NewPortfolio(state.PortfolioState{AccountValue: 10000, AvailableCash: 9000})
}

func (h *recordingHandler) ProtocolError(ctx context.Context, raw []byte, err error) Response {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.protoErrs = append(h.protoErrs, err)
	return NewError("%v", err)
}

func (h *recordingHandler) counts() (int, int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions, len(h.requests), len(h.protoErrs)
}

func socketPath(t *testing.T) string {
	dir, err := os.MkdirTemp("", "gate")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "gate.sock")
}

func startServer(t *testing.T, cfg config.IPCConfig) (*Server, *recordingHandler, string) {
	t.Helper()
	path := socketPath(t)
	h := &recordingHandler{}
	srv := NewServer(path, cfg, h)
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		srv.Close()
		<-done
	})
	return srv, h, path
}

func dial(t *testing.T, path string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestServerRoundTrip(t *testing.T) {
	_, h, path := startServer(t, config.IPCConfig{RequestsPerSecond: 100, Burst: 10, MaxMessageBytes: 4096})

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	c := dial(t, path)
	resp, err := c.Do(testCtx(t), GetPortfolio{})
	require.NoError(t, err)
	assert.Equal(t, TypePortfolio, resp.Type)
	var p state.PortfolioState
	require.NoError(t, resp.Into(&p))
	assert.Equal(t, 9000.0, p.AvailableCash)

	_, err = c.Do(testCtx(t), CancelOrder{OrderID: "ord-1"})
	require.NoError(t, err)

	sessions, requests, _ := h.counts()
	assert.Equal(t, 1, sessions)
	assert.Equal(t, 2, requests)
}

func TestProtocolErrorClosesSession(t *testing.T) {
	_, h, path := startServer(t, config.IPCConfig{MaxMessageBytes: 4096})
	c := dial(t, path)

	resp, err := c.DoRaw(testCtx(t), []byte(`{"request_type":"WriteSafetyConfig"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeError, resp.Type)
	assert.Contains(t, resp.Err().Error(), "unknown request type")

	_, err = c.Do(testCtx(t), GetPortfolio{})
	assert.Error(t, err, "session must be closed after a protocol error")

	_, requests, protoErrs := h.counts()
	assert.Equal(t, 0, requests)
	require.Equal(t, 1, protoErrs)
	assert.True(t, errors.Is(h.protoErrs[0], ErrUnknownRequest))
}

func TestOversizedMessageIsProtocolError(t *testing.T) {
	_, h, path := startServer(t, config.IPCConfig{MaxMessageBytes: 64})
	c := dial(t, path)

	big := `{"request_type":"GetMarketData","symbol":"` + strings.Repeat("X", 200) + `"}`
	resp, err := c.DoRaw(testCtx(t), []byte(big))
	require.NoError(t, err)
	assert.Equal(t, TypeError, resp.Type)
	_, _, protoErrs := h.counts()
	assert.Equal(t, 1, protoErrs)
}

func TestSecondSessionRefused(t *testing.T) {
	_, h, path := startServer(t, config.IPCConfig{MaxMessageBytes: 4096})
	first := dial(t, path)
	_, err := first.Do(testCtx(t), GetPortfolio{})
	require.NoError(t, err)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)
	var resp RawResponse
	require.NoError(t, json.Unmarshal(line, &resp))
	assert.Equal(t, TypeError, resp.Type)
	assert.Contains(t, resp.Err().Error(), "another agent session")

	// The first session is unaffected.
	_, err = first.Do(testCtx(t), GetOpenOrders{})
	require.NoError(t, err)
	sessions, _, _ := h.counts()
	assert.Equal(t, 1, sessions)
}

func TestListenRemovesStaleSocket(t *testing.T) {
	path := socketPath(t)
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, ln.Close())
	_, err = os.Lstat(path)
	require.NoError(t, err, "stale socket file must remain for this test")

	srv := NewServer(path, config.IPCConfig{}, &recordingHandler{})
	require.NoError(t, srv.Listen())
	require.NoError(t, srv.Close())
	_, err = os.Lstat(path)
	assert.True(t, os.IsNotExist(err), "socket is unlinked on close")
}

func TestListenRefusesLiveSocketAndRegularFile(t *testing.T) {
	_, _, live := startServer(t, config.IPCConfig{})
	err := NewServer(live, config.IPCConfig{}, &recordingHandler{}).Listen()
	assert.True(t, errors.Is(err, ErrAlreadyListening))

	file := filepath.Join(t.TempDir(), "gate.sock")
	require.NoError(t, os.WriteFile(file, []byte("not a socket"), 0o600))
	err = NewServer(file, config.IPCConfig{}, &recordingHandler{}).Listen()
	assert.True(t, errors.Is(err, ErrPathNotSocket))
}
