package main

import (
	"fmt"
	"os"

	"flowvm/ast"
	"flowvm/codegen"
	"flowvm/diag"
	"flowvm/internal/builtins"
	"flowvm/ir"
	"flowvm/runtime"
	"flowvm/vm"
)

// compile runs the full pipeline (parse -> IR -> passes -> codegen) on the
// Flow source at path, registering every builtin named by manifestPath (or
// every demo builtin, if manifestPath is empty).
func compile(path, manifestPath string) (*vm.Program, *runtime.Runtime, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}

	rt := runtime.New()
	m, err := loadManifest(manifestPath)
	if err != nil {
		return nil, nil, err
	}
	if err := m.Apply(rt); err != nil {
		return nil, nil, fmt.Errorf("applying native manifest: %w", err)
	}

	sink := diag.NewBag()
	unit, err := ast.Parse(path, src, rt, nil, sink)
	if err != nil {
		return nil, nil, fmt.Errorf("parse errors in %s:\n%s", path, sink.Format())
	}

	prog, err := ir.Generate(unit)
	if err != nil {
		return nil, nil, fmt.Errorf("generating IR for %s: %w", path, err)
	}
	ir.RunPasses(prog)

	return codegen.Generate(prog), rt, nil
}

func loadManifest(path string) (*builtins.Manifest, error) {
	if path == "" {
		return builtins.DefaultManifest(), nil
	}
	return builtins.LoadManifest(path)
}
