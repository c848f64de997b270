package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/switchyard/switchyard/internal/adapter"
	"github.com/switchyard/switchyard/pkg/errors"
	"github.com/switchyard/switchyard/pkg/utils"
)

// TransitionFunc observes lifecycle transitions. It is called after the
// manager's lock is released, so it may call back into the manager.
type TransitionFunc func(name string, from, to State, err error)

// Config contains plugin manager configuration
type Config struct {
	InitTimeout     time.Duration
	ShutdownTimeout time.Duration
	// Settings holds the per-adapter settings passed to Initialize.
	Settings     map[string]adapter.Settings
	OnTransition TransitionFunc
	Now          func() time.Time
}

type entry struct {
	reg      adapter.Registration
	instance adapter.Adapter
	desc     Descriptor
	// busy is set while an unload is shutting the previous instance down
	busy bool
}

type transition struct {
	name     string
	from, to State
	err      error
}

// Manager owns every adapter's lifecycle. It is the only component that calls
// Initialize and Shutdown, and the only source of adapters for routing.
type Manager struct {
	config Config
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewManager creates a plugin manager.
func NewManager(config Config, logger *slog.Logger) *Manager {
	if config.InitTimeout <= 0 {
		config.InitTimeout = 10 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Manager{
		config:  config,
		logger:  utils.OrDiscard(logger).With("component", "plugin"),
		entries: make(map[string]*entry),
	}
}

// Register adds an adapter implementation to the discovery source. Validation is
// deferred to Discover so that one malformed registration cannot stop others.
func (m *Manager) Register(reg adapter.Registration) error {
	if reg.Name == "" {
		return errors.NewError(errors.ErrCodeAdapterMalformed, "adapter registration without a name").
			WithComponent("plugin").WithOperation("register")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[reg.Name]; exists {
		return errors.NewError(errors.ErrCodeAdapterExists, fmt.Sprintf("adapter %s already registered", reg.Name)).
			WithComponent("plugin").WithOperation("register").WithAdapter(reg.Name)
	}

	m.entries[reg.Name] = &entry{
		reg: reg,
		desc: Descriptor{
			Name:         reg.Name,
			Version:      reg.Version,
			Kind:         reg.Kind,
			Tags:         append([]string(nil), reg.Tags...),
			Capabilities: adapter.Capabilities(),
			State:        StateUnregistered,
			ChangedAt:    m.config.Now(),
		},
	}
	return nil
}

// Discover instantiates every registration not yet discovered and returns the
// descriptors that reached REGISTERED. Malformed registrations and failing
// factories are recorded as ERROR and left out.
func (m *Manager) Discover(ctx context.Context) []Descriptor {
	m.mu.RLock()
	var pending []string
	for name, e := range m.entries {
		if e.desc.State == StateUnregistered && e.instance == nil && !e.busy {
			pending = append(pending, name)
		}
	}
	m.mu.RUnlock()
	sort.Strings(pending)

	var found []Descriptor
	for _, name := range pending {
		if ctx.Err() != nil {
			break
		}

		m.mu.RLock()
		reg := m.entries[name].reg
		m.mu.RUnlock()

		instance, err := instantiate(reg)

		m.mu.Lock()
		e := m.entries[name]
		var t transition
		if err != nil {
			t = m.setState(e, StateError, err)
		} else {
			e.instance = instance
			t = m.setState(e, StateRegistered, nil)
		}
		desc := e.desc
		m.mu.Unlock()
		m.notify(t)

		if err != nil {
			m.logger.Warn("adapter excluded from discovery", "adapter", name, "error", err)
			continue
		}
		found = append(found, desc)
	}
	return found
}

// Load initializes a REGISTERED adapter and makes it ACTIVE. Adapters in ERROR or
// UNREGISTERED are re-instantiated through their factory first. Initialization
// is bounded by the init timeout; a failure, false return, panic or timeout
// leaves the adapter in ERROR and is reported in the result.
func (m *Manager) Load(ctx context.Context, name string) Result {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return Result{Name: name, State: StateUnregistered, Err: m.notFound(name, "load")}
	}

	fresh := false
	switch e.desc.State {
	case StateRegistered:
		if e.instance == nil {
			fresh = true
		}
	case StateError, StateUnregistered:
		if e.busy {
			state := e.desc.State
			m.mu.Unlock()
			return Result{Name: name, State: state, Err: m.invalidState(name, "load", "unload in progress")}
		}
		fresh = true
	default:
		state := e.desc.State
		m.mu.Unlock()
		return Result{Name: name, State: state, Err: m.invalidState(name, "load", "adapter is "+state.String())}
	}

	reg := e.reg
	instance := e.instance
	t := m.setState(e, StateLoading, nil)
	m.mu.Unlock()
	m.notify(t)

	var err error
	if fresh {
		instance, err = instantiate(reg)
	}
	if err == nil {
		err = m.initialize(ctx, name, instance)
	}

	m.mu.Lock()
	if err != nil {
		e.instance = nil
		t = m.setState(e, StateError, err)
	} else {
		e.instance = instance
		e.desc.LoadedAt = m.config.Now()
		t = m.setState(e, StateActive, nil)
	}
	state := e.desc.State
	m.mu.Unlock()
	m.notify(t)

	if err != nil {
		m.logger.Error("adapter failed to load", "adapter", name, "error", err)
	} else {
		m.logger.Info("adapter loaded", "adapter", name)
	}
	return Result{Name: name, State: state, Err: err}
}

func (m *Manager) initialize(ctx context.Context, name string, instance adapter.Adapter) error {
	settings := m.config.Settings[name]
	if settings == nil {
		settings = adapter.Settings{}
	}

	_, err := adapter.Call(ctx, m.config.InitTimeout, func(ctx context.Context) error {
		ok, err := instance.Initialize(ctx, settings)
		if err != nil {
			return err
		}
		if !ok {
			return errors.NewError(errors.ErrCodeAdapterInitFailed, "initialize reported failure")
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if errors.CodeOf(err) == "" {
		err = errors.Wrap(err, errors.ErrCodeAdapterInitFailed, "initialize failed")
	}
	return annotate(err, name, "load")
}

// Unload shuts an adapter down and moves it to UNREGISTERED. The adapter stops
// receiving requests before Shutdown is called. When Shutdown fails or outlives
// the shutdown timeout the transition is forced and the cause is reported.
func (m *Manager) Unload(ctx context.Context, name string) Result {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return Result{Name: name, State: StateUnregistered, Err: m.notFound(name, "unload")}
	}
	if e.desc.State == StateLoading || e.busy {
		state := e.desc.State
		m.mu.Unlock()
		return Result{Name: name, State: state, Err: m.invalidState(name, "unload", "lifecycle operation in progress")}
	}

	wasRunning := e.desc.State == StateActive || e.desc.State == StateDisabled
	instance := e.instance
	e.instance = nil
	e.desc.LoadedAt = time.Time{}
	e.busy = wasRunning && instance != nil
	t := m.setState(e, StateUnregistered, nil)
	m.mu.Unlock()
	m.notify(t)

	if !wasRunning || instance == nil {
		return Result{Name: name, State: StateUnregistered}
	}

	abandoned, err := adapter.Call(ctx, m.config.ShutdownTimeout, instance.Shutdown)

	m.mu.Lock()
	e.busy = false
	m.mu.Unlock()

	if err != nil {
		if abandoned {
			err = errors.Wrap(err, errors.ErrCodeShutdownTimeout, "adapter did not shut down in time")
		} else if errors.CodeOf(err) == "" {
			err = errors.Wrap(err, errors.ErrCodeAdapterFailure, "shutdown failed")
		}
		err = annotate(err, name, "unload")
		m.logger.Warn("forced adapter unload", "adapter", name, "abandoned", abandoned, "error", err)
		return Result{Name: name, State: StateUnregistered, Err: err}
	}

	m.logger.Info("adapter unloaded", "adapter", name)
	return Result{Name: name, State: StateUnregistered}
}

// Enable moves a DISABLED adapter back to ACTIVE without re-initializing it.
func (m *Manager) Enable(name string) error {
	return m.toggle(name, StateDisabled, StateActive, "enable")
}

// Disable moves an ACTIVE adapter to DISABLED without shutting it down.
func (m *Manager) Disable(name string) error {
	return m.toggle(name, StateActive, StateDisabled, "disable")
}

func (m *Manager) toggle(name string, from, to State, op string) error {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return m.notFound(name, op)
	}
	if e.desc.State != from {
		state := e.desc.State
		m.mu.Unlock()
		return m.invalidState(name, op, "adapter is "+state.String())
	}
	t := m.setState(e, to, nil)
	m.mu.Unlock()
	m.notify(t)

	m.logger.Info("adapter "+op+"d", "adapter", name)
	return nil
}

// LoadAll loads every REGISTERED adapter except those in skip, concurrently.
func (m *Manager) LoadAll(ctx context.Context, skip []string) []Result {
	excluded := make(map[string]bool, len(skip))
	for _, name := range skip {
		excluded[name] = true
	}

	var names []string
	for _, d := range m.Descriptors() {
		if d.State == StateRegistered && !excluded[d.Name] {
			names = append(names, d.Name)
		}
	}
	return m.each(names, func(name string) Result { return m.Load(ctx, name) })
}

// UnloadAll unloads every adapter that is ACTIVE or DISABLED, concurrently.
func (m *Manager) UnloadAll(ctx context.Context) []Result {
	var names []string
	for _, d := range m.Descriptors() {
		if d.State == StateActive || d.State == StateDisabled {
			names = append(names, d.Name)
		}
	}
	return m.each(names, func(name string) Result { return m.Unload(ctx, name) })
}

func (m *Manager) each(names []string, fn func(string) Result) []Result {
	results := make([]Result, len(names))
	var wg conc.WaitGroup
	for i, name := range names {
		wg.Go(func() { results[i] = fn(name) })
	}
	wg.Wait()
	return results
}

// GetActive returns descriptors of ACTIVE adapters sorted by name. It is the
// only list the router may route to.
func (m *Manager) GetActive() []Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := make([]Descriptor, 0, len(m.entries))
	for _, e := range m.entries {
		if e.desc.State == StateActive {
			active = append(active, e.snapshot())
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Name < active[j].Name })
	return active
}

// Lookup returns the adapter instance only while it is ACTIVE.
func (m *Manager) Lookup(name string) (adapter.Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[name]
	if !ok || e.desc.State != StateActive || e.instance == nil {
		return nil, false
	}
	return e.instance, true
}

// State returns the lifecycle state of name.
func (m *Manager) State(name string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[name]
	if !ok {
		return StateUnregistered, false
	}
	return e.desc.State, true
}

// Descriptor returns a snapshot of one adapter.
func (m *Manager) Descriptor(name string) (Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[name]
	if !ok {
		return Descriptor{}, false
	}
	return e.snapshot(), true
}

// Descriptors returns snapshots of every registered adapter sorted by name.
func (m *Manager) Descriptors() []Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Descriptor, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns every registered adapter name, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.entries))
	for name := range m.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Helper methods

func (e *entry) snapshot() Descriptor {
	d := e.desc
	d.Tags = append([]string(nil), e.desc.Tags...)
	d.Capabilities = append([]adapter.Capability(nil), e.desc.Capabilities...)
	return d
}

// setState must be called with the lock held; the returned transition is
// delivered with notify once the lock is released.
func (m *Manager) setState(e *entry, to State, err error) transition {
	from := e.desc.State
	e.desc.State = to
	e.desc.ChangedAt = m.config.Now()
	if err != nil {
		e.desc.LastError = err.Error()
	} else if to == StateActive {
		e.desc.LastError = ""
	}
	return transition{name: e.desc.Name, from: from, to: to, err: err}
}

func (m *Manager) notify(t transition) {
	if t.from == t.to || m.config.OnTransition == nil {
		return
	}
	m.config.OnTransition(t.name, t.from, t.to, t.err)
}

func (m *Manager) notFound(name, op string) error {
	return errors.NewError(errors.ErrCodeAdapterNotFound, fmt.Sprintf("adapter %s not registered", name)).
		WithComponent("plugin").WithOperation(op).WithAdapter(name)
}

func (m *Manager) invalidState(name, op, why string) error {
	return errors.NewError(errors.ErrCodeInvalidState, fmt.Sprintf("cannot %s %s: %s", op, name, why)).
		WithComponent("plugin").WithOperation(op).WithAdapter(name)
}

// instantiate validates a registration and calls its factory, recovering panics.
func instantiate(reg adapter.Registration) (adapter.Adapter, error) {
	if err := reg.Validate(); err != nil {
		return nil, annotate(errors.Wrap(err, errors.ErrCodeAdapterMalformed, "malformed adapter registration"), reg.Name, "discover")
	}

	var (
		instance adapter.Adapter
		err      error
		pc       panics.Catcher
	)
	pc.Try(func() { instance, err = reg.Factory() })
	if r := pc.Recovered(); r != nil {
		return nil, annotate(errors.NewError(errors.ErrCodeAdapterPanic, fmt.Sprintf("adapter factory panicked: %v", r.Value)), reg.Name, "discover")
	}
	if err != nil {
		return nil, annotate(errors.Wrap(err, errors.ErrCodeAdapterMalformed, "adapter factory failed"), reg.Name, "discover")
	}
	if instance == nil {
		return nil, annotate(errors.NewError(errors.ErrCodeAdapterMalformed, "adapter factory returned nil"), reg.Name, "discover")
	}
	return instance, nil
}

func annotate(err error, name, op string) error {
	if oe, ok := err.(*errors.OrchestratorError); ok {
		return oe.WithComponent("plugin").WithOperation(op).WithAdapter(name)
	}
	return err
}
