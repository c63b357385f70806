package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// MockServer simulates the exchange's WebSocket endpoints for tests: single
// streams under /ws/<name>, combined streams under /stream?streams=a/b/c and
// the API channel under /ws-api/v3.
type MockServer struct {
	server *httptest.Server

	mu           sync.RWMutex
	conns        map[*websocket.Conn]mockConnInfo
	onConnect    func(*websocket.Conn)
	onAPIRequest func(id string, method string) interface{}

	rejectStatus   atomic.Int32 // non-zero: refuse upgrades with this status
	rejectStreams  sync.Map     // stream name -> struct{}
	dropConns      atomic.Bool
	handshakeDelay atomic.Int64 // nanoseconds

	inFlight     atomic.Int32
	peakInFlight atomic.Int32
	connectCount atomic.Int32
}

type mockConnInfo struct {
	streams  []string
	combined bool
	api      bool
}

// NewMockServer starts the server. Close it via Close (or t.Cleanup).
func NewMockServer() *MockServer {
	m := &MockServer{conns: make(map[*websocket.Conn]mockConnInfo)}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

func setupMockServer(t *testing.T) *MockServer {
	t.Helper()
	m := NewMockServer()
	t.Cleanup(m.Close)
	return m
}

func (m *MockServer) Close() { m.server.Close() }

// BaseURL is the single-stream endpoint root.
func (m *MockServer) BaseURL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http") + "/ws"
}

// CombinedBaseURL is the multiplexed endpoint up to the streams parameter.
func (m *MockServer) CombinedBaseURL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http") + "/stream?streams="
}

// APIURL is the request/response channel endpoint.
func (m *MockServer) APIURL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http") + "/ws-api/v3"
}

// PoolConfig returns a Config pointed at this server with fast test timings.
func (m *MockServer) PoolConfig() Config {
	return Config{
		BaseURL:           m.BaseURL(),
		CombinedBaseURL:   m.CombinedBaseURL(),
		APIURL:            m.APIURL(),
		ReconnectInterval: 50 * time.Millisecond,
		ConnectTimeout:    2 * time.Second,
		KeepAliveInterval: 250 * time.Millisecond,
		MonitorInterval:   time.Hour, // monitor driven explicitly in tests
		QuotaBackoffMin:   50 * time.Millisecond,
		QuotaBackoffMax:   60 * time.Millisecond,
	}
}

// SetRejectStatus makes the server refuse upgrades with the given HTTP
// status. Zero restores normal behavior.
func (m *MockServer) SetRejectStatus(status int) { m.rejectStatus.Store(int32(status)) }

// RejectStream makes the server refuse upgrades for one stream name only.
func (m *MockServer) RejectStream(name string, reject bool) {
	if reject {
		m.rejectStreams.Store(name, struct{}{})
	} else {
		m.rejectStreams.Delete(name)
	}
}

// SetDropConnections makes established connections close immediately.
func (m *MockServer) SetDropConnections(drop bool) { m.dropConns.Store(drop) }

// SetHandshakeDelay stalls each upgrade, exposing attempt concurrency.
func (m *MockServer) SetHandshakeDelay(d time.Duration) { m.handshakeDelay.Store(int64(d)) }

// OnConnect registers a callback invoked for every accepted connection.
func (m *MockServer) OnConnect(fn func(*websocket.Conn)) {
	m.mu.Lock()
	m.onConnect = fn
	m.mu.Unlock()
}

// OnAPIRequest sets the result payload builder for API channel calls.
func (m *MockServer) OnAPIRequest(fn func(id, method string) interface{}) {
	m.mu.Lock()
	m.onAPIRequest = fn
	m.mu.Unlock()
}

// ConnectionCount returns how many connections the server has accepted.
func (m *MockServer) ConnectionCount() int { return int(m.connectCount.Load()) }

// PeakInFlight returns the highest number of simultaneous handshakes seen.
func (m *MockServer) PeakInFlight() int { return int(m.peakInFlight.Load()) }

// ActiveConnections returns the number of currently open connections.
func (m *MockServer) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Broadcast sends a frame to every connection serving the given stream name.
// Combined connections receive it wrapped in the {stream, data} envelope.
func (m *MockServer) Broadcast(stream string, data []byte) {
	type target struct {
		conn     *websocket.Conn
		combined bool
	}
	var targets []target

	m.mu.RLock()
	for conn, info := range m.conns {
		for _, s := range info.streams {
			if s == stream {
				targets = append(targets, target{conn, info.combined})
				break
			}
		}
	}
	m.mu.RUnlock()

	for _, tg := range targets {
		payload := data
		if tg.combined {
			env, _ := json.Marshal(struct {
				Stream string          `json:"stream"`
				Data   json.RawMessage `json:"data"`
			}{Stream: stream, Data: data})
			payload = env
		}
		_ = tg.conn.WriteMessage(websocket.TextMessage, payload)
	}
}

// DropAll closes every open connection from the server side.
func (m *MockServer) DropAll() {
	m.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (m *MockServer) handle(w http.ResponseWriter, r *http.Request) {
	info := m.classify(r)

	// The in-flight window covers only the handshake phase; it must end
	// before the read loop so PeakInFlight reports concurrent attempts
	// rather than concurrent open connections.
	conn := func() *websocket.Conn {
		cur := m.inFlight.Add(1)
		for {
			peak := m.peakInFlight.Load()
			if cur <= peak || m.peakInFlight.CompareAndSwap(peak, cur) {
				break
			}
		}
		defer m.inFlight.Add(-1)

		if d := m.handshakeDelay.Load(); d > 0 {
			time.Sleep(time.Duration(d))
		}

		if status := m.rejectStatus.Load(); status != 0 {
			w.WriteHeader(int(status))
			return nil
		}

		for _, s := range info.streams {
			if _, rejected := m.rejectStreams.Load(s); rejected {
				w.WriteHeader(http.StatusForbidden)
				return nil
			}
		}

		upgrader := websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return nil
		}
		return conn
	}()
	if conn == nil {
		return
	}
	m.connectCount.Add(1)

	m.mu.Lock()
	m.conns[conn] = info
	onConnect := m.onConnect
	m.mu.Unlock()
	if onConnect != nil {
		onConnect(conn)
	}

	defer func() {
		m.mu.Lock()
		delete(m.conns, conn)
		m.mu.Unlock()
		conn.Close()
	}()

	for {
		if m.dropConns.Load() {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		// Re-check after the blocking read: a request received once
		// dropping is enabled must be dropped, not answered.
		if m.dropConns.Load() {
			return
		}
		if info.api {
			m.answerAPI(conn, data)
		}
	}
}

func (m *MockServer) classify(r *http.Request) mockConnInfo {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/ws-api"):
		return mockConnInfo{api: true}
	case path == "/stream":
		streams := strings.Split(r.URL.Query().Get("streams"), "/")
		return mockConnInfo{streams: streams, combined: true}
	default:
		name := strings.TrimPrefix(path, "/ws/")
		return mockConnInfo{streams: []string{name}}
	}
}

func (m *MockServer) answerAPI(conn *websocket.Conn, data []byte) {
	var req struct {
		ID     string `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	m.mu.RLock()
	builder := m.onAPIRequest
	m.mu.RUnlock()

	var result interface{} = map[string]string{"method": req.Method}
	if builder != nil {
		result = builder(req.ID, req.Method)
	}
	resp, _ := json.Marshal(map[string]interface{}{
		"id":     req.ID,
		"status": 200,
		"result": result,
	})
	_ = conn.WriteMessage(websocket.TextMessage, resp)
}
