package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// APIClient performs request/response calls over the pool's fixed API
// channel. Each request carries a client-generated id echoed back by the
// server, which correlates the reply to the waiting caller.
type APIClient struct {
	pool *Pool

	mu      sync.Mutex
	pending map[string]chan apiResponse
	wired   bool
}

type apiRequest struct {
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type apiResponse struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  *apiError       `json:"error,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
}

// NewAPIClient creates a client bound to the pool's API channel. The channel
// itself is opened lazily on the first call.
func NewAPIClient(pool *Pool) *APIClient {
	return &APIClient{
		pool:    pool,
		pending: make(map[string]chan apiResponse),
	}
}

// Call sends a method invocation and waits for the correlated reply.
func (c *APIClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	sess, err := c.pool.ConnectAPI(ctx)
	if err != nil {
		return nil, fmt.Errorf("open api channel: %w", err)
	}
	c.ensureWired()

	id := uuid.NewString()
	ch := make(chan apiResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := sess.Send(apiRequest{ID: id, Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ensureWired registers the reply dispatcher on the API stream once. The
// registration survives reconnects because the health monitor restores the
// stream's callback list when it replays the connection.
func (c *APIClient) ensureWired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wired {
		return
	}
	c.wired = true
	c.pool.router.add(APIStreamID, c.dispatch)
}

func (c *APIClient) dispatch(data []byte) {
	var resp apiResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.ID == "" {
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	c.mu.Unlock()
	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}
