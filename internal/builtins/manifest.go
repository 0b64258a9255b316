package builtins

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"flowvm/runtime"
)

// Manifest selects which demo builtins cmd/flowvm registers for a given
// run, per SPEC_FULL.md's ambient-stack note that the demo harness (not
// the compiler/VM core) loads its native-binding manifest from TOML.
type Manifest struct {
	Functions []string `toml:"functions"`
	Handlers  []string `toml:"handlers"`
}

// LoadManifest reads and decodes a Manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, fmt.Errorf("builtins: reading manifest: %w", err)
	}
	return &m, nil
}

// DefaultManifest enables every demo builtin, for callers that have no
// TOML file of their own.
func DefaultManifest() *Manifest {
	m := &Manifest{}
	for _, cb := range All() {
		if handlerNames[cb.Signature.Name] {
			m.Handlers = append(m.Handlers, cb.Signature.Name)
		} else {
			m.Functions = append(m.Functions, cb.Signature.Name)
		}
	}
	return m
}

// Apply registers the subset of All named by m into rt.
func (m *Manifest) Apply(rt *runtime.Runtime) error {
	byName := make(map[string]runtime.NativeCallback, len(handlerNames)+4)
	for _, cb := range All() {
		byName[cb.Signature.Name] = cb
	}
	for _, name := range m.Functions {
		cb, ok := byName[name]
		if !ok || handlerNames[name] {
			return fmt.Errorf("builtins: manifest names unknown function %q", name)
		}
		if err := rt.RegisterFunction(cb); err != nil {
			return err
		}
	}
	for _, name := range m.Handlers {
		cb, ok := byName[name]
		if !ok || !handlerNames[name] {
			return fmt.Errorf("builtins: manifest names unknown handler %q", name)
		}
		if err := rt.RegisterHandler(cb); err != nil {
			return err
		}
	}
	return nil
}
