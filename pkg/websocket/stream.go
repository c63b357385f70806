package websocket

import (
	"fmt"
	"strings"
)

// StreamID identifies a logical subscription target. A single ID maps to at
// most one live socket session at any time.
type StreamID string

// APIStreamID is the fixed identifier of the request/response API channel.
const APIStreamID StreamID = "exchange-ws-api"

// StreamKind distinguishes the three connection task variants.
type StreamKind int

const (
	// KindSingle is one symbol's ticker, trade or kline feed.
	KindSingle StreamKind = iota
	// KindCombined multiplexes several single streams over one connection.
	KindCombined
	// KindAPI is the request/response control channel.
	KindAPI
)

func (k StreamKind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindCombined:
		return "combined"
	case KindAPI:
		return "api"
	default:
		return "unknown"
	}
}

// MessageHandler is a callback invoked with each raw inbound frame for a
// stream. Frames are guaranteed to be well-formed JSON.
type MessageHandler func(data []byte)

// task is a pending connection request. It lives only in the pool's queue and
// is consumed exactly once by the batch processor. The original kind and
// stream names are kept on the connection record afterwards so reconnection
// replays the exact request instead of inferring it from the identifier.
type task struct {
	kind     StreamKind
	id       StreamID
	names    []string // underlying single-stream names for KindCombined
	callback MessageHandler
	result   chan taskResult
}

type taskResult struct {
	session *Session
	err     error
}

func newTask(kind StreamKind, id StreamID, names []string, callback MessageHandler) *task {
	return &task{
		kind:     kind,
		id:       id,
		names:    names,
		callback: callback,
		result:   make(chan taskResult, 1),
	}
}

// resolve delivers the task outcome. The buffered channel makes the first
// resolution win; later calls are dropped, so a task can never complete twice.
func (t *task) resolve(s *Session, err error) {
	select {
	case t.result <- taskResult{session: s, err: err}:
	default:
	}
}

// clone returns a fresh task replaying the same logical request.
func (t *task) clone() *task {
	return newTask(t.kind, t.id, t.names, t.callback)
}

// splitStreams chops a stream-name list into ordered groups of at most max
// entries. 60 names with max 25 yield groups of 25, 25 and 10.
func splitStreams(names []string, max int) [][]string {
	if max <= 0 || len(names) <= max {
		return [][]string{names}
	}
	groups := make([][]string, 0, (len(names)+max-1)/max)
	for i := 0; i < len(names); i += max {
		end := i + max
		if end > len(names) {
			end = len(names)
		}
		groups = append(groups, names[i:end])
	}
	return groups
}

// combinedStreamID builds the identifier for a combined connection. Grouped
// connections carry a group index prefix so each group stays a distinct
// logical stream.
func combinedStreamID(group int, grouped bool, names []string) StreamID {
	joined := strings.Join(names, "/")
	if grouped {
		return StreamID(fmt.Sprintf("group%d_%s", group, joined))
	}
	return StreamID(joined)
}

// urlFor builds the connection URL for a task by its kind.
func (c Config) urlFor(t *task) string {
	switch t.kind {
	case KindCombined:
		return c.CombinedBaseURL + strings.Join(t.names, "/")
	case KindAPI:
		return c.APIURL
	default:
		return c.BaseURL + "/" + string(t.id)
	}
}
