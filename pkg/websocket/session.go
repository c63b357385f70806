package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veiloq/price-stream/pkg/logging"
)

// Session wraps one physical WebSocket connection: it tracks liveness, sends
// periodic keep-alive pings, parses inbound frames and dispatches them
// through the router. Reconnection is owned by the pool, not the session.
type Session struct {
	id     StreamID
	conn   *websocket.Conn
	router *router
	logger logging.Logger

	keepAlive time.Duration

	alive    atomic.Bool
	pongSeen atomic.Bool
	open     atomic.Bool

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once

	// explicit is set before an intentional Close so the exit path can tell
	// an orderly shutdown from an unexpected drop.
	explicit atomic.Bool
	onClosed func(*Session)
}

// dialSession performs the connect-and-manage sequence: dial with a timeout,
// mark the session alive, then start the read pump and keep-alive loop.
// onClosed fires exactly once when the read pump exits for any reason.
func dialSession(ctx context.Context, url string, id StreamID, r *router, connectTimeout, keepAlive time.Duration, logger logging.Logger, onClosed func(*Session)) (*Session, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: connectTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusTooManyRequests {
				return nil, fmt.Errorf("dial %s: %w", url, ErrRateLimited)
			}
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dial %s: %w", url, ErrConnectTimeout)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	s := &Session{
		id:        id,
		conn:      conn,
		router:    r,
		logger:    logger,
		keepAlive: keepAlive,
		done:      make(chan struct{}),
		onClosed:  onClosed,
	}
	s.alive.Store(true)
	s.open.Store(true)
	// No ping is outstanding yet; seed pongSeen so the first keep-alive tick
	// does not mark a fresh session stale.
	s.pongSeen.Store(true)

	conn.SetPongHandler(func(string) error {
		s.alive.Store(true)
		s.pongSeen.Store(true)
		_ = conn.SetReadDeadline(time.Now().Add(s.keepAlive * 3))
		return nil
	})

	go s.readPump()
	go s.keepAliveLoop()

	logger.Info("stream connected", logging.String("stream", string(id)))
	return s, nil
}

// readPump reads frames until the connection drops. Malformed frames are
// logged and dropped; a parse failure never reaches the callbacks and never
// tears down the socket.
func (s *Session) readPump() {
	defer func() {
		s.open.Store(false)
		s.alive.Store(false)
		_ = s.conn.Close()
		s.closeOnce.Do(func() { close(s.done) })
		if s.onClosed != nil {
			s.onClosed(s)
		}
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(s.keepAlive * 3))

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.explicit.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("stream read error",
					logging.String("stream", string(s.id)),
					logging.Error(err),
				)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.keepAlive * 3))

		if !json.Valid(data) {
			s.logger.Warn("dropping malformed frame", logging.String("stream", string(s.id)))
			continue
		}
		s.router.dispatch(s.id, data)
	}
}

// keepAliveLoop pings the server on an interval. Liveness flips false when a
// ping goes unanswered; the next pong flips it back.
func (s *Session) keepAliveLoop() {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.pongSeen.Load() {
				s.alive.Store(false)
			}
			s.pongSeen.Store(false)

			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// Send marshals v to JSON (or writes it verbatim when already []byte) and
// sends it as a text frame.
func (s *Session) Send(v interface{}) error {
	if !s.open.Load() {
		return ErrNotConnected
	}

	data, ok := v.([]byte)
	if !ok {
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// IsAlive reports whether the session answered its most recent liveness check.
func (s *Session) IsAlive() bool { return s.alive.Load() }

// IsOpen reports whether the underlying socket is still open.
func (s *Session) IsOpen() bool { return s.open.Load() }

// Close shuts the session down intentionally, suppressing reconnection.
func (s *Session) Close() error {
	s.explicit.Store(true)
	s.open.Store(false)
	s.alive.Store(false)

	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed connection"),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()

	err := s.conn.Close()
	if err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
		return err
	}
	return nil
}

// closedExplicitly reports whether Close was called on this session.
func (s *Session) closedExplicitly() bool { return s.explicit.Load() }
