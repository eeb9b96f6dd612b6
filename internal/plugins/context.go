package plugins

import (
	"fmt"
	"sync"

	"github.com/EchoPBX/subpub/pkg/resolve"
	"github.com/EchoPBX/subpub/pkg/sdk"
	"github.com/EchoPBX/subpub/pkg/tracker"
	"go.uber.org/zap"
)

type pluginContext struct {
	log    *zap.Logger
	bus    sdk.Bus
	refs   *tracker.Registry
	config map[string]any
}

func newPluginContext(log *zap.Logger, bus sdk.Bus, refs *tracker.Registry, cfg map[string]any) sdk.Context {
	if cfg == nil {
		cfg = map[string]any{}
	}
	return &pluginContext{log: log, bus: bus, refs: refs, config: cfg}
}

func (c *pluginContext) Log() *zap.Logger           { return c.log }
func (c *pluginContext) Bus() sdk.Bus               { return c.bus }
func (c *pluginContext) Tracker() *tracker.Registry { return c.refs }
func (c *pluginContext) Config() map[string]any     { return c.config }

// recordingBus remembers the handlers a plugin subscribed, so a failed Init
// can report what it left on the bus.
type recordingBus struct {
	sdk.Bus

	mu       sync.Mutex
	handlers []string
}

func (b *recordingBus) Subscribe(h any) (any, error) {
	out, err := b.Bus.Subscribe(h)
	if err != nil {
		return out, err
	}
	name := fmt.Sprintf("%T", h)
	if t, rerr := resolve.Resolve(h); rerr == nil {
		name = t.String()
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, name)
	b.mu.Unlock()
	return out, nil
}

func (b *recordingBus) subscribed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.handlers...)
}
