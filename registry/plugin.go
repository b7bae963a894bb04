package registry

import (
	"fmt"
	"plugin"
	"strings"
	"sync"

	"github.com/seantiz/dcs/module"
)

// ABIVersion is the module ABI the host expects. A plugin is compatible when
// its reported major version matches the host's.
const ABIVersion = "1.0"

// Info is the identity a plugin reports before any instance is constructed.
type Info struct {
	Name       string
	Version    string
	ABIVersion string
}

// Plugin entry point symbol names. These three symbols are the entire
// cross-boundary contract; absence of any is a load failure.
const (
	SymbolNew     = "NewModule"     // func() module.Module
	SymbolDestroy = "DestroyModule" // func(module.Module)
	SymbolInfo    = "ModuleInfo"    // func() registry.Info
)

// Handle is an opaque reference to a loaded library.
type Handle interface {
	// Release drops the handle. Go plugins cannot be unmapped from the
	// process, so for the default loader this only discards the reference;
	// the registry entry and module instance are still torn down.
	Release() error
}

// Loaded is the resolved plugin contract.
type Loaded struct {
	Info    Info
	New     func() module.Module
	Destroy func(module.Module)
	Handle  Handle
}

// Loader opens a library path and resolves the plugin contract. The seam
// exists so tests and embedders can supply their own loading mechanism.
type Loader interface {
	Load(path string) (Loaded, error)
}

// CompatibleABI reports whether a plugin-reported ABI version is loadable by
// this host: the major version segment must match.
func CompatibleABI(v string) bool {
	return majorOf(v) == majorOf(ABIVersion) && majorOf(v) != ""
}

func majorOf(v string) string {
	if v == "" {
		return ""
	}
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}

// pluginHandle wraps *plugin.Plugin. Release is a no-op because the runtime
// provides no dlclose equivalent.
type pluginHandle struct {
	p *plugin.Plugin
}

func (h *pluginHandle) Release() error { return nil }

// GoPluginLoader loads modules from Go plugin shared objects (-buildmode=plugin).
type GoPluginLoader struct{}

// Load opens the shared object and resolves the three contract symbols.
func (GoPluginLoader) Load(path string) (Loaded, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return Loaded{}, fmt.Errorf("open library: %w", err)
	}

	newSym, err := p.Lookup(SymbolNew)
	if err != nil {
		return Loaded{}, fmt.Errorf("%w: %s", ErrMissingSymbol, SymbolNew)
	}
	factory, ok := newSym.(func() module.Module)
	if !ok {
		return Loaded{}, fmt.Errorf("%w: %s has wrong type %T", ErrMissingSymbol, SymbolNew, newSym)
	}

	destroySym, err := p.Lookup(SymbolDestroy)
	if err != nil {
		return Loaded{}, fmt.Errorf("%w: %s", ErrMissingSymbol, SymbolDestroy)
	}
	destroy, ok := destroySym.(func(module.Module))
	if !ok {
		return Loaded{}, fmt.Errorf("%w: %s has wrong type %T", ErrMissingSymbol, SymbolDestroy, destroySym)
	}

	infoSym, err := p.Lookup(SymbolInfo)
	if err != nil {
		return Loaded{}, fmt.Errorf("%w: %s", ErrMissingSymbol, SymbolInfo)
	}
	infoFn, ok := infoSym.(func() Info)
	if !ok {
		return Loaded{}, fmt.Errorf("%w: %s has wrong type %T", ErrMissingSymbol, SymbolInfo, infoSym)
	}

	return Loaded{
		Info:    infoFn(),
		New:     factory,
		Destroy: destroy,
		Handle:  &pluginHandle{p: p},
	}, nil
}

// builtins is the link-time registration table: an alternative to runtime
// loading for modules compiled into the host binary.
var builtins = struct {
	mu        sync.RWMutex
	factories map[string]func() module.Module
}{factories: make(map[string]func() module.Module)}

// RegisterBuiltin adds a factory to the link-time table, typically from an
// init function in the module's package. Later registrations under the same
// name replace earlier ones.
func RegisterBuiltin(name string, factory func() module.Module) {
	builtins.mu.Lock()
	defer builtins.mu.Unlock()
	builtins.factories[name] = factory
}

// LookupBuiltin returns the factory registered under name.
func LookupBuiltin(name string) (func() module.Module, bool) {
	builtins.mu.RLock()
	defer builtins.mu.RUnlock()
	f, ok := builtins.factories[name]
	return f, ok
}
