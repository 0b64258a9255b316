package ast_test

import (
	"fmt"

	"flowvm/ast"
	"flowvm/codegen"
	"flowvm/diag"
	"flowvm/internal/builtins"
	"flowvm/ir"
	"flowvm/runtime"
	"flowvm/vm"
)

// Compile runs a Flow source string through the full pipeline (parse -> IR
// -> passes -> codegen) with every demo builtin registered, the equivalent
// of the original tree's flowtest fixture runner.
func Compile(source string) (*vm.Program, *runtime.Runtime, error) {
	rt := runtime.New()
	if err := builtins.Register(rt); err != nil {
		return nil, nil, err
	}

	sink := diag.NewBag()
	unit, err := ast.Parse("fixture.flow", []byte(source), rt, nil, sink)
	if err != nil {
		return nil, nil, fmt.Errorf("parse: %w", err)
	}

	prog, err := ir.Generate(unit)
	if err != nil {
		return nil, nil, fmt.Errorf("generate IR: %w", err)
	}
	ir.RunPasses(prog)

	return codegen.Generate(prog), rt, nil
}

// Run compiles source, links it against a fresh Context userdata, and runs
// handlerName to completion (or suspension).
func Run(source, handlerName string, ctx *builtins.Context) (*vm.Runner, bool, error) {
	vprog, rt, err := Compile(source)
	if err != nil {
		return nil, false, err
	}
	linker, err := runtime.Link(rt, vprog)
	if err != nil {
		return nil, false, fmt.Errorf("link: %w", err)
	}
	runner, err := linker.NewRunner(handlerName, ctx)
	if err != nil {
		return nil, false, fmt.Errorf("new runner: %w", err)
	}
	handled, err := runner.Run()
	return runner, handled, err
}
