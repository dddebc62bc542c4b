package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/errors"
	"github.com/mark-sch/GpsdTracking/event"
)

// Adapter turns a device protocol into records and commands into frames.
//
// ParseBuffer receives raw chunks in arrival order and returns the complete
// records they finish; partial frames are kept by the adapter, typically in
// the session attachment. SendCommand returns 0 when the command was written,
// -1 when it is refused or unsupported.
type Adapter interface {
	ParseBuffer(s *device.Session, data []byte) []device.Record
	SendCommand(s *device.Session, action string, args []string) int
	ClientConnect(s *device.Session)
	ClientQuit(s *device.Session)
}

// RequestAdapter is implemented by adapters of request-response services.
type RequestAdapter interface {
	Adapter
	ServeRequest(w http.ResponseWriter, r *http.Request, resolver SessionResolver)
}

// SessionResolver gives request-response adapters access to sessions.
type SessionResolver interface {
	// Resolve returns the live session of id, logging it in first when the
	// device is not known yet.
	Resolve(ctx context.Context, id, name string) (*device.Session, error)

	// Process applies a record to a session.
	Process(ctx context.Context, s *device.Session, rec device.Record) error
}

// CommandPusher enqueues operator commands.
type CommandPusher interface {
	Push(deviceID, command string, args []string, timeout time.Duration) uint64
}

// Env is what an adapter may use besides its own service.
type Env struct {
	Config   Config
	Registry *device.Registry
	Backend  device.Backend
	Bus      *event.Bus
	Queue    CommandPusher
	Logger   *slog.Logger
}

// AdapterFactory builds an adapter for one service.
type AdapterFactory func(env Env) (Adapter, error)

// AdapterRegistry maps adapter names to factories.
type AdapterRegistry struct {
	mu        sync.RWMutex
	factories map[string]AdapterFactory
}

// NewAdapterRegistry creates an empty registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{factories: make(map[string]AdapterFactory)}
}

// Register adds a factory. Registering a name twice is an error.
func (r *AdapterRegistry) Register(name string, f AdapterFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return errors.WrapInvalid(fmt.Errorf("adapter %q already registered", name),
			"AdapterRegistry", "Register", "register adapter")
	}
	r.factories[name] = f
	return nil
}

// Create builds the adapter named by env.Config.Adapter.
func (r *AdapterRegistry) Create(env Env) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[env.Config.Adapter]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %q", errors.ErrUnknownAdapter, env.Config.Adapter),
			"AdapterRegistry", "Create", "lookup adapter")
	}

	a, err := f(env)
	if err != nil {
		return nil, errors.Wrap(err, "AdapterRegistry", "Create", "build adapter "+env.Config.Adapter)
	}
	if env.Config.Mode == ModeRequestResponse {
		if _, ok := a.(RequestAdapter); !ok {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: adapter %q cannot serve HTTP requests", errors.ErrInvalidConfig, env.Config.Adapter),
				"AdapterRegistry", "Create", "check mode")
		}
	}
	return a, nil
}

// Names lists registered adapters, sorted.
func (r *AdapterRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
