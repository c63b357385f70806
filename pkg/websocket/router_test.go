package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/veiloq/price-stream/pkg/logging"
)

func TestRouterDispatchOrder(t *testing.T) {
	r := newRouter(logging.NewNop())

	var got []string
	r.add("btcusdt@ticker", func([]byte) { got = append(got, "first") })
	r.add("btcusdt@ticker", func([]byte) { got = append(got, "second") })
	r.add("btcusdt@ticker", func([]byte) { got = append(got, "third") })

	r.dispatch("btcusdt@ticker", []byte(`{}`))
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestRouterPanicIsolation(t *testing.T) {
	r := newRouter(logging.NewNop())

	var after bool
	r.add("ethusdt@ticker", func([]byte) { panic("boom") })
	r.add("ethusdt@ticker", func([]byte) { after = true })

	assert.NotPanics(t, func() {
		r.dispatch("ethusdt@ticker", []byte(`{}`))
	})
	assert.True(t, after, "callback after the panicking one must still run")
}

func TestRouterUnknownStream(t *testing.T) {
	r := newRouter(logging.NewNop())
	// No callbacks registered: the frame is silently discarded.
	assert.NotPanics(t, func() {
		r.dispatch("nobody@ticker", []byte(`{"c":"1"}`))
	})
}

func TestRouterRemoveAndSet(t *testing.T) {
	r := newRouter(logging.NewNop())

	var count int
	h := func([]byte) { count++ }
	r.add("solusdt@ticker", h)
	r.remove("solusdt@ticker")
	r.dispatch("solusdt@ticker", []byte(`{}`))
	assert.Zero(t, count)

	r.set("solusdt@ticker", []MessageHandler{h, h})
	r.dispatch("solusdt@ticker", []byte(`{}`))
	assert.Equal(t, 2, count)
}
