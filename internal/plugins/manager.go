package plugins

import (
	"errors"
	"fmt"
	"os"
	"plugin"
	"sync"

	"github.com/EchoPBX/subpub/pkg/eventbus"
	"github.com/EchoPBX/subpub/pkg/sdk"
	"github.com/EchoPBX/subpub/pkg/tracker"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// EventPluginLoaded is published after each plugin's Init succeeds, with the
// plugin name and version as arguments.
const EventPluginLoaded = "pluginLoaded"

// Manifest describes plugins.yaml. JSON manifests parse too.
type Manifest struct {
	Plugins []Entry `yaml:"plugins"`
}

type Entry struct {
	Name    string         `yaml:"name"`
	Version string         `yaml:"version"`
	Path    string         `yaml:"path"`
	Entry   string         `yaml:"entry"`
	Config  map[string]any `yaml:"config"`
}

// Opener loads the plugin symbol named entry from the shared object at path.
type Opener func(path, entry string) (sdk.Plugin, error)

// Manager loads plugins and keeps them until Shutdown.
type Manager struct {
	log  *zap.Logger
	bus  sdk.Bus
	refs *tracker.Registry
	open Opener

	mu      sync.RWMutex
	plugins map[string]sdk.Plugin
	order   []string
}

func NewManager(log *zap.Logger, bus sdk.Bus, refs *tracker.Registry) *Manager {
	return &Manager{
		log:     log,
		bus:     bus,
		refs:    refs,
		open:    OpenGoPlugin,
		plugins: make(map[string]sdk.Plugin),
	}
}

// WithOpener replaces the Go plugin loader.
func (m *Manager) WithOpener(o Opener) *Manager {
	m.open = o
	return m
}

func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &manifest, nil
}

// LoadManifest loads every plugin in the manifest at path that is not loaded
// yet. A plugin that fails to load is logged and skipped.
func (m *Manager) LoadManifest(path string) error {
	manifest, err := ReadManifest(path)
	if err != nil {
		return err
	}
	for _, p := range manifest.Plugins {
		if m.Loaded(p.Name) {
			// there is no unsubscribe, so a loaded plugin stays as it is
			m.log.Debug("plugin already loaded", zap.String("name", p.Name))
			continue
		}
		if err := m.loadPlugin(p); err != nil {
			m.log.Error("failed to load plugin",
				zap.String("name", p.Name),
				zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) loadPlugin(entry Entry) error {
	if entry.Name == "" {
		return errors.New("plugin without name")
	}
	plug, err := m.open(entry.Path, entry.Entry)
	if err != nil {
		return err
	}

	log := m.log.With(zap.String("plugin", entry.Name))
	bus := &recordingBus{Bus: m.bus}
	ctx := newPluginContext(log, bus, m.refs, entry.Config)
	if err := plug.Init(ctx); err != nil {
		// there is no unsubscribe; whatever Init subscribed stays
		if left := bus.subscribed(); len(left) > 0 {
			log.Warn("plugin init failed after subscribing handlers",
				zap.Strings("handlers", left),
				zap.Error(err))
		}
		return fmt.Errorf("init: %w", err)
	}

	m.mu.Lock()
	m.plugins[entry.Name] = plug
	m.order = append(m.order, entry.Name)
	m.mu.Unlock()

	m.log.Info("plugin loaded",
		zap.String("name", entry.Name),
		zap.String("version", entry.Version))

	if err := m.bus.Publish(EventPluginLoaded, entry.Name, entry.Version); err != nil && !errors.Is(err, eventbus.ErrEventNotFound) {
		m.log.Warn("plugin loaded event", zap.String("name", entry.Name), zap.Error(err))
	}
	return nil
}

func (m *Manager) Loaded(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.plugins[name]
	return ok
}

// Names lists loaded plugins in load order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

func (m *Manager) Reload(path string) {
	if err := m.LoadManifest(path); err != nil {
		m.log.Warn("plugin reload failed", zap.Error(err))
	}
}

// Shutdown stops plugins in reverse load order and returns every Stop error.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	for i := len(m.order) - 1; i >= 0; i-- {
		name := m.order[i]
		if stopErr := m.plugins[name].Stop(); stopErr != nil {
			m.log.Warn("plugin stop failed", zap.String("name", name), zap.Error(stopErr))
			err = multierr.Append(err, fmt.Errorf("%s: %w", name, stopErr))
		}
	}
	m.plugins = make(map[string]sdk.Plugin)
	m.order = nil
	return err
}

// OpenGoPlugin loads entry from a shared object built with
// -buildmode=plugin. The symbol may be a value implementing sdk.Plugin or a
// variable of type sdk.Plugin.
func OpenGoPlugin(path, entry string) (sdk.Plugin, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup(entry)
	if err != nil {
		return nil, err
	}
	switch v := sym.(type) {
	case *sdk.Plugin:
		if *v == nil {
			return nil, fmt.Errorf("%s: symbol %s is nil", path, entry)
		}
		return *v, nil
	case sdk.Plugin:
		return v, nil
	}
	return nil, fmt.Errorf("%s: symbol %s is %T, not sdk.Plugin", path, entry, sym)
}
