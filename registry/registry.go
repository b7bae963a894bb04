// Package registry owns all loaded module instances. It enforces name
// uniqueness, tracks provenance (built-in versus dynamically loaded), and
// serializes metadata mutation behind one lock that is never held across a
// call into module code.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/seantiz/dcs/module"
)

// Registry errors surfaced to callers of Load/Unload.
var (
	ErrDuplicateName   = errors.New("module name already registered")
	ErrUnknownModule   = errors.New("module not registered")
	ErrModuleBound     = errors.New("module bound to a running loop")
	ErrMissingSymbol   = errors.New("required plugin symbol missing")
	ErrIncompatibleABI = errors.New("plugin ABI version incompatible")
	ErrEmptyName       = errors.New("module reports an empty name")
)

// LoadError wraps a failure to load a plugin, carrying the offending path.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load module %q: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// record pairs a module with its provenance.
type record struct {
	mod     module.Module
	path    string // empty for built-in modules
	handle  Handle
	destroy func(module.Module)
	bound   int // running loops currently using this module
}

// ModuleInfo is a read-only view of one registry entry.
type ModuleInfo struct {
	Name    string       `json:"name"`
	Version string       `json:"version"`
	State   string       `json:"state"`
	Healthy bool         `json:"healthy"`
	Path    string       `json:"path,omitempty"`
	Kind    string       `json:"kind"` // "sensor", "actuator", or "module"
	Metrics module.Metrics `json:"metrics"`
}

// Registry maps module names to loaded instances.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*record
	loader  Loader
	logger  *slog.Logger
}

// New creates an empty registry. A nil loader disables LoadModule; built-in
// registration still works.
func New(loader Loader, logger *slog.Logger) *Registry {
	return &Registry{
		modules: make(map[string]*record),
		loader:  loader,
		logger:  logger,
	}
}

// Register adds a directly constructed (built-in) module. Fails without
// mutating state when the name is empty or already taken.
func (r *Registry) Register(m module.Module) error {
	if m.Name() == "" {
		return ErrEmptyName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[m.Name()]; exists {
		return fmt.Errorf("register %q: %w", m.Name(), ErrDuplicateName)
	}
	r.modules[m.Name()] = &record{mod: m}
	return nil
}

// LoadBuiltin instantiates a module from the link-time factory table and
// registers it.
func (r *Registry) LoadBuiltin(name string) error {
	factory, ok := LookupBuiltin(name)
	if !ok {
		return fmt.Errorf("builtin %q: %w", name, ErrUnknownModule)
	}
	return r.Register(factory())
}

// Load opens the shared object at path, resolves the plugin contract,
// validates identity and ABI compatibility, and registers the new instance.
// On any failure nothing is registered and the library handle is released.
// Returns the registered module name.
//
// The loader runs outside the registry lock; only the duplicate check and
// insert are serialized.
func (r *Registry) Load(path string) (string, error) {
	if r.loader == nil {
		return "", &LoadError{Path: path, Err: errors.New("no plugin loader configured")}
	}

	loaded, err := r.loader.Load(path)
	if err != nil {
		return "", &LoadError{Path: path, Err: err}
	}

	info := loaded.Info
	if info.Name == "" {
		releaseHandle(loaded.Handle)
		return "", &LoadError{Path: path, Err: ErrEmptyName}
	}
	if !CompatibleABI(info.ABIVersion) {
		releaseHandle(loaded.Handle)
		return "", &LoadError{Path: path, Err: fmt.Errorf("%w: plugin %q, host %q",
			ErrIncompatibleABI, info.ABIVersion, ABIVersion)}
	}

	// Construct the instance before taking the lock; factories may block.
	mod := loaded.New()
	if mod == nil || mod.Name() == "" {
		releaseHandle(loaded.Handle)
		return "", &LoadError{Path: path, Err: ErrEmptyName}
	}

	r.mu.Lock()
	if _, exists := r.modules[mod.Name()]; exists {
		r.mu.Unlock()
		releaseHandle(loaded.Handle)
		return "", &LoadError{Path: path, Err: fmt.Errorf("%q: %w", mod.Name(), ErrDuplicateName)}
	}
	r.modules[mod.Name()] = &record{
		mod:     mod,
		path:    path,
		handle:  loaded.Handle,
		destroy: loaded.Destroy,
	}
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Info("module loaded", "name", mod.Name(), "version", mod.Version(), "path", path)
	}
	return mod.Name(), nil
}

// Unload drives the module to Shutdown, invokes its destructor, releases
// the library handle, and removes the entry. Fails when the name is unknown
// or the module is bound to a running loop.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	rec, ok := r.modules[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unload %q: %w", name, ErrUnknownModule)
	}
	if rec.bound > 0 {
		r.mu.Unlock()
		return fmt.Errorf("unload %q: %w", name, ErrModuleBound)
	}
	delete(r.modules, name)
	r.mu.Unlock()

	// Teardown happens outside the lock: these calls may block.
	if rec.mod.State() == module.Running {
		if err := rec.mod.Stop(); err != nil && r.logger != nil {
			r.logger.Warn("stop before unload", "name", name, "error", err)
		}
	}
	if err := rec.mod.Shutdown(); err != nil && r.logger != nil {
		r.logger.Warn("shutdown before unload", "name", name, "error", err)
	}
	if rec.destroy != nil {
		rec.destroy(rec.mod)
	}
	releaseHandle(rec.handle)

	if r.logger != nil {
		r.logger.Info("module unloaded", "name", name)
	}
	return nil
}

// Get returns the module registered under name.
func (r *Registry) Get(name string) (module.Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.modules[name]
	if !ok {
		return nil, false
	}
	return rec.mod, true
}

// Sensor resolves name to a module with the Sensor capability.
func (r *Registry) Sensor(name string) (module.Sensor, error) {
	m, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("sensor %q: %w", name, ErrUnknownModule)
	}
	s, ok := m.(module.Sensor)
	if !ok {
		return nil, fmt.Errorf("module %q is not a sensor", name)
	}
	return s, nil
}

// Actuator resolves name to a module with the Actuator capability.
func (r *Registry) Actuator(name string) (module.Actuator, error) {
	m, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("actuator %q: %w", name, ErrUnknownModule)
	}
	a, ok := m.(module.Actuator)
	if !ok {
		return nil, fmt.Errorf("module %q is not an actuator", name)
	}
	return a, nil
}

// Names returns a sorted snapshot of registered module names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// List returns a snapshot of all registry entries sorted by name.
func (r *Registry) List() []ModuleInfo {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.modules))
	for _, rec := range r.modules {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	infos := make([]ModuleInfo, 0, len(recs))
	for _, rec := range recs {
		infos = append(infos, ModuleInfo{
			Name:    rec.mod.Name(),
			Version: rec.mod.Version(),
			State:   rec.mod.State().String(),
			Healthy: rec.mod.Healthy(),
			Path:    rec.path,
			Kind:    kindOf(rec.mod),
			Metrics: rec.mod.Metrics(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Bind marks the named modules as in use by a running loop, blocking unload.
func (r *Registry) Bind(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if rec, ok := r.modules[name]; ok {
			rec.bound++
		}
	}
}

// Unbind releases a Bind.
func (r *Registry) Unbind(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if rec, ok := r.modules[name]; ok && rec.bound > 0 {
			rec.bound--
		}
	}
}

// ShutdownAll drives every registered module to Shutdown and clears the
// registry. Used at system teardown.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	recs := make([]*record, 0, len(r.modules))
	for _, rec := range r.modules {
		recs = append(recs, rec)
	}
	r.modules = make(map[string]*record)
	r.mu.Unlock()

	for _, rec := range recs {
		// Best effort: teardown continues past individual failures.
		if rec.mod.State() == module.Running {
			_ = rec.mod.Stop()
		}
		_ = rec.mod.Shutdown()
		if rec.destroy != nil {
			rec.destroy(rec.mod)
		}
		releaseHandle(rec.handle)
	}
}

func kindOf(m module.Module) string {
	switch m.(type) {
	case module.Sensor:
		return "sensor"
	case module.Actuator:
		return "actuator"
	default:
		return "module"
	}
}

func releaseHandle(h Handle) {
	if h != nil {
		_ = h.Release()
	}
}
