package websocket

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veiloq/price-stream/pkg/logging"
	"github.com/veiloq/price-stream/pkg/ratelimit"
)

// Config holds connection pool configuration. Zero fields fall back to the
// documented defaults.
type Config struct {
	// BaseURL is the single-stream endpoint, e.g. wss://host:9443/ws.
	BaseURL string
	// CombinedBaseURL is the multiplexed endpoint up to and including the
	// streams query parameter, e.g. wss://host:9443/stream?streams=.
	CombinedBaseURL string
	// APIURL is the fixed request/response channel endpoint.
	APIURL string

	// MaxConnections is the hard cap informing elastic pool sizing.
	MaxConnections int
	// MaxConcurrent is the initial number of connection attempts in flight.
	MaxConcurrent int
	// MaxStreamsPerConnection bounds combined-stream group size.
	MaxStreamsPerConnection int

	MaxReconnectAttempts int
	// ReconnectInterval is the backoff base; attempt n waits base * 2^(n-1).
	ReconnectInterval time.Duration
	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	MonitorInterval   time.Duration

	// QuotaBackoffMin/Max bound the randomized pause after a rate-limit
	// rejection.
	QuotaBackoffMin time.Duration
	QuotaBackoffMax time.Duration

	// Limiter paces connection attempts. Nil disables pacing.
	Limiter ratelimit.RateLimiter
	Logger  logging.Logger
}

// Defaults mirror the exchange's published connection limits.
const (
	DefaultMaxConnections          = 50
	DefaultMaxStreamsPerConnection = 25
	DefaultMaxReconnectAttempts    = 5
	DefaultReconnectInterval       = 5 * time.Second
	DefaultConnectTimeout          = 15 * time.Second
	DefaultKeepAliveInterval       = 30 * time.Second
	DefaultMonitorInterval         = 30 * time.Second
	DefaultQuotaBackoffMin         = 30 * time.Second
	DefaultQuotaBackoffMax         = 60 * time.Second

	// scaleDownFloor is the lowest MaxConcurrent the monitor may shrink to;
	// quotaFloor is the lowest the quota strategy may halve to.
	scaleDownFloor = 20
	quotaFloor     = 5
	// queueBacklogThreshold is the pending-task count that triggers scale-up.
	queueBacklogThreshold = 10
)

func (c *Config) applyDefaults() {
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = c.MaxConnections
	}
	if c.MaxStreamsPerConnection == 0 {
		c.MaxStreamsPerConnection = DefaultMaxStreamsPerConnection
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
	if c.QuotaBackoffMin == 0 {
		c.QuotaBackoffMin = DefaultQuotaBackoffMin
	}
	if c.QuotaBackoffMax == 0 {
		c.QuotaBackoffMax = DefaultQuotaBackoffMax
	}
	if c.Logger == nil {
		c.Logger = logging.NewLogger()
	}
}

// connRecord tracks one live (or reconnecting) connection. The original task
// is kept so reconnection and health recovery replay the exact request rather
// than inferring kind and parameters from the identifier string.
type connRecord struct {
	task     *task
	session  *Session
	attempts int
	closing  bool

	// pending is non-nil while the claiming task is still dialing. It is
	// closed when the dial settles so concurrent tasks for the same
	// identifier can wait instead of opening a second session.
	pending chan struct{}
}

// StreamStatus is a point-in-time view of one pooled connection.
type StreamStatus struct {
	Kind              StreamKind
	Alive             bool
	Open              bool
	ReconnectAttempts int
}

// PoolStatus aggregates the pool's observable state.
type PoolStatus struct {
	Streams       map[StreamID]StreamStatus
	QueueLength   int
	MaxConcurrent int
}

// Pool multiplexes many stream subscriptions across a bounded set of socket
// connections. Connection requests flow through a FIFO task queue drained by
// a single-flight batch processor; each batch executes concurrently under the
// elastic MaxConcurrent ceiling with per-task failure isolation.
type Pool struct {
	cfg    Config
	logger logging.Logger
	router *router

	mu            sync.Mutex
	conns         map[StreamID]*connRecord
	queue         []*task
	draining      bool
	closed        bool
	maxConcurrent int
	quotaPaused   bool

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// NewPool creates a pool. Call Start to begin health monitoring and
// DisconnectAll at process shutdown.
func NewPool(cfg Config) *Pool {
	cfg.applyDefaults()
	return &Pool{
		cfg:           cfg,
		logger:        cfg.Logger,
		router:        newRouter(cfg.Logger),
		conns:         make(map[StreamID]*connRecord),
		maxConcurrent: cfg.MaxConcurrent,
		done:          make(chan struct{}),
	}
}

// Start launches the periodic health monitor.
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.monitor()
}

// ConnectSingle subscribes to one stream, e.g. "btcusdt@ticker". If the
// stream is already live the callback is appended to its registry and the
// call returns immediately.
func (p *Pool) ConnectSingle(ctx context.Context, streamName string, onMessage MessageHandler) error {
	t := newTask(KindSingle, StreamID(streamName), nil, onMessage)
	_, err := p.await(ctx, t)
	return err
}

// ConnectCombined subscribes to several streams over multiplexed connections.
// Lists larger than MaxStreamsPerConnection are split into ordered groups,
// one connection per group; the call succeeds only if every group connects.
func (p *Pool) ConnectCombined(ctx context.Context, streamNames []string, onMessage MessageHandler) error {
	if len(streamNames) == 0 {
		return ErrEmptyStreamList
	}

	groups := splitStreams(streamNames, p.cfg.MaxStreamsPerConnection)
	if len(groups) == 1 {
		t := newTask(KindCombined, combinedStreamID(0, false, groups[0]), groups[0], onMessage)
		_, err := p.await(ctx, t)
		return err
	}

	p.logger.Info("splitting combined subscription into groups",
		logging.Int("streams", len(streamNames)),
		logging.Int("groups", len(groups)),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, group := range groups {
		t := newTask(KindCombined, combinedStreamID(i, true, group), group, onMessage)
		g.Go(func() error {
			_, err := p.await(gctx, t)
			return err
		})
	}
	return g.Wait()
}

// ConnectAPI opens (or returns the existing) request/response API channel and
// hands back its session for correlated calls.
func (p *Pool) ConnectAPI(ctx context.Context) (*Session, error) {
	t := newTask(KindAPI, APIStreamID, nil, nil)
	return p.await(ctx, t)
}

// await enqueues the task and blocks until it resolves, the context expires,
// or the pool shuts down.
func (p *Pool) await(ctx context.Context, t *task) (*Session, error) {
	p.enqueue(t)
	select {
	case r := <-t.result:
		return r.session, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrPoolClosed
	}
}

// enqueue admits a task: the idempotent fast path resolves immediately when a
// live, healthy session already exists; otherwise the task joins the queue
// and a drain pass is started unless one is already running.
func (p *Pool) enqueue(t *task) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		t.resolve(nil, ErrPoolClosed)
		return
	}

	if rec, ok := p.conns[t.id]; ok && rec.session != nil && rec.session.IsAlive() {
		sess := rec.session
		p.mu.Unlock()
		if t.kind != KindAPI {
			p.router.add(t.id, t.callback)
		}
		t.resolve(sess, nil)
		return
	}

	p.queue = append(p.queue, t)
	start := !p.draining
	if start {
		p.draining = true
		p.wg.Add(1)
	}
	p.mu.Unlock()

	if start {
		go p.drainQueue()
	}
}

// drainQueue is the single-flight batch processor. Each pass takes
// min(queueLen, maxConcurrent) tasks off the front and runs them
// concurrently; one task's failure never aborts its siblings. Passes repeat
// until the queue is empty, pausing for the quota window when a rate-limit
// rejection was observed.
func (p *Pool) drainQueue() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		if p.closed || len(p.queue) == 0 {
			p.draining = false
			p.mu.Unlock()
			return
		}

		if p.quotaPaused {
			pause := p.quotaPauseWindow()
			p.mu.Unlock()
			p.logger.Warn("rate limit detected, pausing queue drain",
				logging.Duration("pause", pause))
			select {
			case <-time.After(pause):
			case <-p.done:
				return
			}
			p.mu.Lock()
			p.quotaPaused = false
			p.restoreDefaultLocked()
			p.mu.Unlock()
			continue
		}

		n := len(p.queue)
		if n > p.maxConcurrent {
			n = p.maxConcurrent
		}
		batch := make([]*task, n)
		copy(batch, p.queue[:n])
		p.queue = append(p.queue[:0:0], p.queue[n:]...)
		p.mu.Unlock()

		p.logger.Debug("processing connection batch",
			logging.Int("batch", len(batch)),
			logging.Int("maxConcurrent", p.MaxConcurrent()),
		)

		var batchWG sync.WaitGroup
		for _, t := range batch {
			batchWG.Add(1)
			go func(t *task) {
				defer batchWG.Done()
				p.runTask(t)
			}(t)
		}
		batchWG.Wait()
	}
}

// runTask executes one connection request end to end. The identifier is
// claimed under the lock before dialing so two tasks for the same stream in
// one batch cannot both open a session: latecomers wait for the claim holder
// to settle and then re-evaluate.
func (p *Pool) runTask(t *task) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			t.resolve(nil, ErrPoolClosed)
			return
		}
		rec, ok := p.conns[t.id]
		if ok && rec.pending != nil {
			wait := rec.pending
			p.mu.Unlock()
			select {
			case <-wait:
			case <-p.done:
				t.resolve(nil, ErrPoolClosed)
				return
			}
			continue
		}
		if ok && rec.session != nil && rec.session.IsAlive() {
			sess := rec.session
			p.mu.Unlock()
			if t.kind != KindAPI {
				p.router.add(t.id, t.callback)
			}
			t.resolve(sess, nil)
			return
		}

		claim := &connRecord{task: t, pending: make(chan struct{})}
		var stale *Session
		if ok {
			// Taking over a dead record; stop its reconnect loop.
			rec.closing = true
			stale = rec.session
		}
		p.conns[t.id] = claim
		p.mu.Unlock()

		if stale != nil {
			_ = stale.Close()
		}

		sess, err := p.dial(t)
		if err != nil {
			p.releaseClaim(t.id, claim)
			if isRateLimitError(err) {
				p.quotaBackoff(t)
				return
			}
			p.logger.Warn("connection task failed",
				logging.String("stream", string(t.id)),
				logging.Error(err),
			)
			t.resolve(nil, err)
			return
		}

		if t.kind != KindAPI {
			p.router.add(t.id, t.callback)
		}

		p.mu.Lock()
		if p.closed || claim.closing {
			closed := p.closed
			settled := claim.pending
			claim.pending = nil
			p.mu.Unlock()
			if settled != nil {
				close(settled)
			}
			_ = sess.Close()
			if closed {
				t.resolve(nil, ErrPoolClosed)
			} else {
				t.resolve(nil, ErrNotConnected)
			}
			return
		}
		claim.session = sess
		settled := claim.pending
		claim.pending = nil
		p.mu.Unlock()
		close(settled)

		t.resolve(sess, nil)
		return
	}
}

// releaseClaim drops a failed dial's placeholder record and wakes any tasks
// waiting on it.
func (p *Pool) releaseClaim(id StreamID, claim *connRecord) {
	p.mu.Lock()
	if p.conns[id] == claim {
		delete(p.conns, id)
	}
	settled := claim.pending
	claim.pending = nil
	p.mu.Unlock()
	if settled != nil {
		close(settled)
	}
}

// dial paces the attempt through the rate limiter, then establishes the
// session. The session's close hook feeds the reconnection policy.
func (p *Pool) dial(t *task) (*Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout)
	defer cancel()

	if p.cfg.Limiter != nil {
		if err := p.cfg.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	id := t.id
	return dialSession(ctx, p.cfg.urlFor(t), id, p.router,
		p.cfg.ConnectTimeout, p.cfg.KeepAliveInterval, p.logger,
		func(s *Session) { p.sessionClosed(id, s) })
}

// sessionClosed reacts to a session dropping. Explicit disconnects, pool
// shutdown and sessions no longer recorded for their stream are quiet; an
// unexpected close of the current session starts the reconnect loop.
func (p *Pool) sessionClosed(id StreamID, s *Session) {
	p.mu.Lock()
	rec, ok := p.conns[id]
	if !ok || rec.closing || p.closed || rec.session != s || s.closedExplicitly() {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.logger.Warn("stream connection lost", logging.String("stream", string(id)))
	go p.reconnectLoop(rec)
}

// reconnectLoop retries one stream strictly sequentially: attempt n waits
// ReconnectInterval * 2^(n-1) before replaying the stored original request.
// After the final attempt fails the record is deleted and the stream is
// considered permanently failed until an external subscribe re-initiates it.
func (p *Pool) reconnectLoop(rec *connRecord) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		if p.closed || rec.closing || p.conns[rec.task.id] != rec {
			p.mu.Unlock()
			return
		}
		rec.attempts++
		attempt := rec.attempts
		if attempt > p.cfg.MaxReconnectAttempts {
			delete(p.conns, rec.task.id)
			p.mu.Unlock()
			p.router.remove(rec.task.id)
			p.logger.Error("giving up on stream",
				logging.String("stream", string(rec.task.id)),
				logging.Error(ErrMaxReconnects),
			)
			return
		}
		p.mu.Unlock()

		delay := reconnectDelay(p.cfg.ReconnectInterval, attempt)
		p.logger.Info("scheduling reconnect",
			logging.String("stream", string(rec.task.id)),
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
		)

		select {
		case <-time.After(delay):
		case <-p.done:
			return
		}

		sess, err := p.dial(rec.task)
		if err != nil {
			p.logger.Warn("reconnect attempt failed",
				logging.String("stream", string(rec.task.id)),
				logging.Int("attempt", attempt),
				logging.Error(err),
			)
			continue
		}

		p.mu.Lock()
		if p.closed || rec.closing || p.conns[rec.task.id] != rec {
			p.mu.Unlock()
			_ = sess.Close()
			return
		}
		rec.session = sess
		rec.attempts = 0
		p.conns[rec.task.id] = rec
		p.mu.Unlock()

		p.logger.Info("stream reconnected", logging.String("stream", string(rec.task.id)))
		return
	}
}

// reconnectDelay implements the exponential backoff schedule base * 2^(n-1).
func reconnectDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << uint(attempt-1)
}

// quotaBackoff handles a rate-limited task: the task is re-queued at the
// front rather than failed, MaxConcurrent is halved and the drain loop pauses
// for a randomized recovery window.
func (p *Pool) quotaBackoff(t *task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		t.resolve(nil, ErrPoolClosed)
		return
	}
	p.queue = append([]*task{t}, p.queue...)
	p.halveForQuotaLocked()
	p.quotaPaused = true
}

func (p *Pool) quotaPauseWindow() time.Duration {
	spread := p.cfg.QuotaBackoffMax - p.cfg.QuotaBackoffMin
	if spread <= 0 {
		return p.cfg.QuotaBackoffMin
	}
	return p.cfg.QuotaBackoffMin + time.Duration(rand.Int63n(int64(spread)))
}

// isRateLimitError classifies failures that should trigger the quota backoff
// strategy instead of a plain rejection.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429")
}

// Disconnect tears one stream down. Unknown identifiers are a no-op.
func (p *Pool) Disconnect(id StreamID) {
	p.mu.Lock()
	rec, ok := p.conns[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	rec.closing = true
	delete(p.conns, id)
	p.mu.Unlock()

	p.router.remove(id)
	if rec.session != nil {
		_ = rec.session.Close()
	}
	p.logger.Info("disconnected stream", logging.String("stream", string(id)))
}

// DisconnectAll stops monitoring, rejects every pending queued task and
// closes every open socket. The pool accepts no further work. Intended for
// process shutdown only.
func (p *Pool) DisconnectAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pending := p.queue
	p.queue = nil
	records := make([]*connRecord, 0, len(p.conns))
	for _, rec := range p.conns {
		rec.closing = true
		records = append(records, rec)
	}
	p.conns = make(map[StreamID]*connRecord)
	p.mu.Unlock()

	p.doneOnce.Do(func() { close(p.done) })

	for _, t := range pending {
		t.resolve(nil, ErrPoolClosed)
	}
	for _, rec := range records {
		if rec.session != nil {
			_ = rec.session.Close()
		}
	}
	p.router.clear()
	p.wg.Wait()

	p.logger.Info("connection pool shut down",
		logging.Int("cancelledTasks", len(pending)),
		logging.Int("closedStreams", len(records)),
	)
}

// monitor periodically repairs unhealthy connections and adjusts the elastic
// concurrency ceiling.
func (p *Pool) monitor() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := p.repairUnhealthy(); n > 0 {
				p.logger.Info("connection monitoring repaired streams", logging.Int("count", n))
			}
			p.optimizePoolSize()
		case <-p.done:
			return
		}
	}
}

// repairUnhealthy disconnects every record that is neither alive nor open and
// re-issues its stored original request, restoring the previously registered
// callbacks.
func (p *Pool) repairUnhealthy() int {
	p.mu.Lock()
	var unhealthy []*connRecord
	for _, rec := range p.conns {
		if rec.pending != nil {
			// Still dialing; not the monitor's business yet.
			continue
		}
		if rec.session == nil || (!rec.session.IsAlive() && !rec.session.IsOpen()) {
			unhealthy = append(unhealthy, rec)
		}
	}
	p.mu.Unlock()

	for _, rec := range unhealthy {
		handlers := p.router.handlers(rec.task.id)
		p.Disconnect(rec.task.id)

		replay := rec.task.clone()
		replay.callback = nil
		p.router.set(replay.id, handlers)
		go func(t *task) {
			// Fire and forget; failures are logged by the task path.
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectTimeout*2)
			defer cancel()
			if _, err := p.await(ctx, t); err != nil {
				p.logger.Error("failed to re-queue unhealthy stream",
					logging.String("stream", string(t.id)),
					logging.Error(err),
				)
			}
		}(replay)
	}
	return len(unhealthy)
}

// optimizePoolSize applies the elastic sizing heuristic: grow when the queue
// backs up while the pool is mostly idle, shrink when the pool is nearly
// empty and nothing is queued.
func (p *Pool) optimizePoolSize() {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := len(p.conns)
	queued := len(p.queue)
	hardMax := p.cfg.MaxConnections

	switch {
	case live < hardMax/2 && queued > queueBacklogThreshold:
		p.scaleUpLocked()
	case live < hardMax/5 && queued == 0 && p.maxConcurrent > scaleDownFloor:
		p.scaleDownLocked()
	}
}

// Elastic ceiling mutations are centralized here so the floor and cap clamps
// live in one place.

func (p *Pool) scaleUpLocked() {
	next := p.maxConcurrent * 3 / 2
	if next > p.cfg.MaxConnections {
		next = p.cfg.MaxConnections
	}
	if next > p.maxConcurrent {
		p.logger.Info("scaling up connection pool",
			logging.Int("from", p.maxConcurrent), logging.Int("to", next))
		p.maxConcurrent = next
	}
}

func (p *Pool) scaleDownLocked() {
	next := p.maxConcurrent * 4 / 5
	if next < scaleDownFloor {
		next = scaleDownFloor
	}
	if next < p.maxConcurrent {
		p.logger.Info("scaling down connection pool",
			logging.Int("from", p.maxConcurrent), logging.Int("to", next))
		p.maxConcurrent = next
	}
}

func (p *Pool) halveForQuotaLocked() {
	next := p.maxConcurrent / 2
	if next < quotaFloor {
		next = quotaFloor
	}
	p.maxConcurrent = next
}

func (p *Pool) restoreDefaultLocked() {
	p.maxConcurrent = p.cfg.MaxConcurrent
}

// MaxConcurrent returns the current elastic concurrency ceiling.
func (p *Pool) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxConcurrent
}

// Status returns a snapshot of every pooled connection plus queue state.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	streams := make(map[StreamID]StreamStatus, len(p.conns))
	for id, rec := range p.conns {
		st := StreamStatus{Kind: rec.task.kind, ReconnectAttempts: rec.attempts}
		if rec.session != nil {
			st.Alive = rec.session.IsAlive()
			st.Open = rec.session.IsOpen()
		}
		streams[id] = st
	}
	return PoolStatus{
		Streams:       streams,
		QueueLength:   len(p.queue),
		MaxConcurrent: p.maxConcurrent,
	}
}
