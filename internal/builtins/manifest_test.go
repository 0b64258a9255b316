package builtins

import (
	"os"
	"path/filepath"
	"testing"

	"flowvm/runtime"
)

func TestDefaultManifestAppliesEverything(t *testing.T) {
	rt := runtime.New()
	if err := DefaultManifest().Apply(rt); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, ok := rt.LookupHandler("pass"); !ok {
		t.Error("pass not registered")
	}
	if _, ok := rt.LookupFunction("show_user"); !ok {
		t.Error("show_user not registered")
	}
}

func TestManifestRejectsKindMismatch(t *testing.T) {
	m := &Manifest{Functions: []string{"pass"}}
	rt := runtime.New()
	if err := m.Apply(rt); err == nil {
		t.Fatal("expected error naming a handler as a function")
	}
}

func TestLoadManifestFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.toml")
	const doc = `
functions = ["req_path", "show_user"]
handlers = ["pass", "b_handler", "default_handler"]
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	rt := runtime.New()
	if err := m.Apply(rt); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, ok := rt.LookupFunction("async_lookup"); ok {
		t.Error("async_lookup should not be registered; it was left out of the manifest")
	}
	if _, ok := rt.LookupHandler("a_handler"); ok {
		t.Error("a_handler should not be registered; it was left out of the manifest")
	}
}
