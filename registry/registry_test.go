package registry_test

import (
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/seantiz/dcs/module"
	"github.com/seantiz/dcs/registry"
)

// stubSensor is a minimal sensor for registry tests.
type stubSensor struct {
	*module.Base
}

func newStubSensor(name string) *stubSensor {
	return &stubSensor{Base: module.NewBase(name, "1.0.0")}
}

func (s *stubSensor) Read() (module.SensorData, error) {
	return module.NewSensorData(s.Name(), 42, module.UnitNone), nil
}

// stubLoader resolves paths to canned plugin contracts, standing in for
// shared-object loading.
type stubLoader struct {
	plugins   map[string]registry.Loaded
	destroyed []string
	released  int
}

type stubHandle struct{ loader *stubLoader }

func (h *stubHandle) Release() error {
	h.loader.released++
	return nil
}

func (l *stubLoader) Load(path string) (registry.Loaded, error) {
	loaded, ok := l.plugins[path]
	if !ok {
		return registry.Loaded{}, errors.New("open library: no such file")
	}
	return loaded, nil
}

func (l *stubLoader) add(path, name, abi string) {
	if l.plugins == nil {
		l.plugins = make(map[string]registry.Loaded)
	}
	l.plugins[path] = registry.Loaded{
		Info: registry.Info{Name: name, Version: "1.0.0", ABIVersion: abi},
		New:  func() module.Module { return newStubSensor(name) },
		Destroy: func(m module.Module) {
			l.destroyed = append(l.destroyed, m.Name())
		},
		Handle: &stubHandle{loader: l},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestLoadAndList(t *testing.T) {
	loader := &stubLoader{}
	loader.add("/lib/thermo.so", "thermo", "1.0")
	reg := registry.New(loader, testLogger())

	name, err := reg.Load("/lib/thermo.so")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if name != "thermo" {
		t.Errorf("Load returned name %q, want %q", name, "thermo")
	}
	if got := reg.Names(); !reflect.DeepEqual(got, []string{"thermo"}) {
		t.Errorf("Names() = %v, want [thermo]", got)
	}

	infos := reg.List()
	if len(infos) != 1 || infos[0].Kind != "sensor" || infos[0].Path != "/lib/thermo.so" {
		t.Errorf("List() = %+v, want one sensor entry with path", infos)
	}
}

func TestLoadNonexistentPathFailsWithoutMutation(t *testing.T) {
	reg := registry.New(&stubLoader{}, testLogger())

	_, err := reg.Load("/nonexistent.so")
	if err == nil {
		t.Fatal("Load of missing library succeeded, want error")
	}
	var loadErr *registry.LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("error = %T, want *registry.LoadError", err)
	}
	if loadErr.Path != "/nonexistent.so" {
		t.Errorf("LoadError.Path = %q, want /nonexistent.so", loadErr.Path)
	}
	if got := len(reg.Names()); got != 0 {
		t.Errorf("Names() length = %d after failed load, want 0", got)
	}
}

func TestLoadDuplicateNameRejectedFirstUnaffected(t *testing.T) {
	loader := &stubLoader{}
	loader.add("/lib/a.so", "thermo", "1.0")
	loader.add("/lib/b.so", "thermo", "1.0")
	reg := registry.New(loader, testLogger())

	if _, err := reg.Load("/lib/a.so"); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	before := reg.Names()

	_, err := reg.Load("/lib/b.so")
	if !errors.Is(err, registry.ErrDuplicateName) {
		t.Fatalf("second Load error = %v, want ErrDuplicateName", err)
	}
	if got := reg.Names(); !reflect.DeepEqual(got, before) {
		t.Errorf("Names() = %v after duplicate load, want %v", got, before)
	}
	// The rejected plugin's handle must have been released, not leaked.
	if loader.released != 1 {
		t.Errorf("released handles = %d, want 1", loader.released)
	}

	m, ok := reg.Get("thermo")
	if !ok {
		t.Fatal("first module vanished after duplicate load attempt")
	}
	if m.State() != module.Uninitialized {
		t.Errorf("first module state = %s, want untouched uninitialized", m.State())
	}
}

func TestLoadIncompatibleABI(t *testing.T) {
	loader := &stubLoader{}
	loader.add("/lib/old.so", "old", "2.0")
	reg := registry.New(loader, testLogger())

	_, err := reg.Load("/lib/old.so")
	if !errors.Is(err, registry.ErrIncompatibleABI) {
		t.Fatalf("Load error = %v, want ErrIncompatibleABI", err)
	}
	if len(reg.Names()) != 0 {
		t.Error("incompatible plugin was registered")
	}
}

func TestUnloadDrivesShutdownAndDestroys(t *testing.T) {
	loader := &stubLoader{}
	loader.add("/lib/thermo.so", "thermo", "1.0")
	reg := registry.New(loader, testLogger())

	if _, err := reg.Load("/lib/thermo.so"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m, _ := reg.Get("thermo")
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := reg.Unload("thermo"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if m.State() != module.Shutdown {
		t.Errorf("module state after unload = %s, want shutdown", m.State())
	}
	if !reflect.DeepEqual(loader.destroyed, []string{"thermo"}) {
		t.Errorf("destroyed = %v, want [thermo]", loader.destroyed)
	}
	if loader.released != 1 {
		t.Errorf("released handles = %d, want 1", loader.released)
	}
	if len(reg.Names()) != 0 {
		t.Error("entry still present after unload")
	}
}

func TestUnloadUnknownAndBound(t *testing.T) {
	reg := registry.New(&stubLoader{}, testLogger())

	if err := reg.Unload("ghost"); !errors.Is(err, registry.ErrUnknownModule) {
		t.Errorf("Unload unknown = %v, want ErrUnknownModule", err)
	}

	if err := reg.Register(newStubSensor("thermo")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	reg.Bind("thermo")
	if err := reg.Unload("thermo"); !errors.Is(err, registry.ErrModuleBound) {
		t.Errorf("Unload bound = %v, want ErrModuleBound", err)
	}
	reg.Unbind("thermo")
	if err := reg.Unload("thermo"); err != nil {
		t.Errorf("Unload after unbind: %v", err)
	}
}

func TestCapabilityResolution(t *testing.T) {
	reg := registry.New(nil, testLogger())
	if err := reg.Register(newStubSensor("thermo")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := reg.Sensor("thermo"); err != nil {
		t.Errorf("Sensor(thermo): %v", err)
	}
	if _, err := reg.Actuator("thermo"); err == nil {
		t.Error("Actuator(thermo) succeeded for a sensor, want error")
	}
	if _, err := reg.Sensor("ghost"); !errors.Is(err, registry.ErrUnknownModule) {
		t.Errorf("Sensor(ghost) = %v, want ErrUnknownModule", err)
	}
}

func TestBuiltinTable(t *testing.T) {
	registry.RegisterBuiltin("builtin-thermo", func() module.Module {
		return newStubSensor("builtin-thermo")
	})

	reg := registry.New(nil, testLogger())
	if err := reg.LoadBuiltin("builtin-thermo"); err != nil {
		t.Fatalf("LoadBuiltin: %v", err)
	}
	if _, ok := reg.Get("builtin-thermo"); !ok {
		t.Error("builtin module not registered")
	}
	if err := reg.LoadBuiltin("no-such-builtin"); err == nil {
		t.Error("LoadBuiltin of unknown name succeeded")
	}
}

func TestCompatibleABI(t *testing.T) {
	cases := []struct {
		version string
		want    bool
	}{
		{"1.0", true},
		{"1.9", true},
		{"1", true},
		{"2.0", false},
		{"0.9", false},
		{"", false},
	}
	for _, c := range cases {
		if got := registry.CompatibleABI(c.version); got != c.want {
			t.Errorf("CompatibleABI(%q) = %v, want %v", c.version, got, c.want)
		}
	}
}
