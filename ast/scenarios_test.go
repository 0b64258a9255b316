package ast_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowvm/internal/builtins"
	"flowvm/vm"
)

// These mirror spec.md §8's worked scenarios end to end, through the real
// lexer/parser/IR/codegen/VM pipeline rather than unit-testing any one
// stage in isolation.

func TestScenarioArithmeticHandler(t *testing.T) {
	const src = `
handler main {
  var x = 2;
  var y = 3;
  if x + y == 5 then pass;
}`
	_, handled, err := Run(src, "main", &builtins.Context{})
	require.NoError(t, err)
	assert.True(t, handled)
}

func TestScenarioStringConcatAndCompare(t *testing.T) {
	const src = `
handler main {
  if "foo" + "bar" == "foobar" then pass;
}`
	_, handled, err := Run(src, "main", &builtins.Context{})
	require.NoError(t, err)
	assert.True(t, handled)
}

func TestScenarioDivisionOperator(t *testing.T) {
	const src = `
handler main {
  var x = 6 / 2;
  if x == 3 then pass;
}`
	_, handled, err := Run(src, "main", &builtins.Context{})
	require.NoError(t, err)
	assert.True(t, handled)
}

func TestScenarioMatchOnHeadDispatch(t *testing.T) {
	const src = `
handler main {
  match req_path() =^ {
    on "/a" a_handler;
    on "/b" b_handler;
    else    default_handler;
  }
}`
	tests := []struct {
		path string
		want string
	}{
		{"/a/x", "a"},
		{"/b/x", "b"},
		{"/c/x", "default"},
	}
	for _, tt := range tests {
		ctx := &builtins.Context{Path: tt.path}
		_, handled, err := Run(src, "main", ctx)
		require.NoError(t, err)
		assert.True(t, handled)
		assert.Equal(t, tt.want, ctx.Matched)
	}
}

func TestScenarioRegexCaptureGroup(t *testing.T) {
	const src = `
handler main {
  if req_path() =~ /^\/user\/(\d+)$/ then
    show_user($1);
}`
	ctx := &builtins.Context{Path: "/user/42"}
	_, _, err := Run(src, "main", ctx)
	require.NoError(t, err)
	assert.Equal(t, "42", ctx.Shown)
}

func TestScenarioSuspendResume(t *testing.T) {
	const src = `
handler main {
  show_user(async_lookup());
}`
	ctx := &builtins.Context{}
	runner, handled, err := Run(src, "main", ctx)
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Equal(t, vm.Suspended, runner.State())
	assert.Empty(t, ctx.Shown, "show_user must not run before the lookup resolves")

	ctx.Complete("alice")
	handled, err = runner.Resume()
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Equal(t, "alice", ctx.Shown)
}
