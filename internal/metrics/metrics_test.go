package metrics

import (
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/EchoPBX/subpub/pkg/eventbus"
	"github.com/EchoPBX/subpub/pkg/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampler struct {
	name string
}

func (p *sampler) OnPing() {}

func TestObserve(t *testing.T) {
	m := New(prometheus.NewRegistry(), nil)

	m.Observe(eventbus.Dispatch{Event: "ping", Deliveries: 3, Took: time.Millisecond})
	m.Observe(eventbus.Dispatch{Event: "ping", Deliveries: 2})
	m.Observe(eventbus.Dispatch{Event: "nope", Err: &eventbus.EventNotFoundError{Event: "nope"}})
	m.Observe(eventbus.Dispatch{Event: "ping", Err: &eventbus.ArgumentError{Event: "ping"}})
	m.Observe(eventbus.Dispatch{Event: "ping", Deliveries: 1, Err: errors.New("boom")})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.published.WithLabelValues("ping", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.published.WithLabelValues("nope", ResultNotFound)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.published.WithLabelValues("ping", ResultBadArguments)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.published.WithLabelValues("ping", ResultHandlerError)))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.deliveries.WithLabelValues("ping")))
	assert.Equal(t, 5, testutil.CollectAndCount(m.latency))
}

func TestCompacted(t *testing.T) {
	m := New(prometheus.NewRegistry(), nil)
	m.Compacted(3)
	m.Compacted(0)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.compacted))
}

func TestBusHookAndTrackerGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	refs := tracker.New()
	m := New(reg, refs)
	bus := eventbus.New(refs, eventbus.WithHook(m.Observe))
	eventbus.MustSubscribe(bus, (*sampler).OnPing)
	p1 := tracker.Track(refs, &sampler{name: "one"})
	p2 := tracker.Track(refs, &sampler{name: "two"})

	require.NoError(t, bus.Publish("ping"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.deliveries.WithLabelValues("ping")))

	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP subpub_tracked_instances Live tracked instances by type.
# TYPE subpub_tracked_instances gauge
subpub_tracked_instances{type="*metrics.sampler"} 2
`), "subpub_tracked_instances")
	assert.NoError(t, err)
	runtime.KeepAlive(p1)
	runtime.KeepAlive(p2)
}
