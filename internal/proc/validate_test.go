package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-run/kestrel/internal/apperr"
)

func TestValidate_AcceptsOrdinaryCommand(t *testing.T) {
	err := Validate(Declaration{ID: "v1", Command: "echo", Args: []string{"hello", "world"}})
	assert.NoError(t, err)
}

func TestValidate_RejectsEmptyCommand(t *testing.T) {
	err := Validate(Declaration{ID: "v2", Command: ""})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindSecurityValidation))
}

func TestValidate_RejectsShellMetacharactersInCommand(t *testing.T) {
	for _, cmd := range []string{"echo; rm -rf /", "echo && ls", "echo | cat", "echo `whoami`"} {
		err := Validate(Declaration{ID: "v3", Command: cmd})
		assert.Errorf(t, err, "expected rejection for command %q", cmd)
	}
}

func TestValidate_RejectsForbiddenEnvKeys(t *testing.T) {
	err := Validate(Declaration{
		ID:      "v4",
		Command: "echo",
		Env:     map[string]string{"LD_PRELOAD": "/tmp/evil.so"},
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindSecurityValidation))
}

func TestValidate_RejectsPathOverride(t *testing.T) {
	err := Validate(Declaration{
		ID:      "v5",
		Command: "echo",
		Env:     map[string]string{"PATH": "/tmp/evil"},
	})
	assert.Error(t, err)
}

func TestValidate_AllowsShellDashCCarveOut(t *testing.T) {
	err := Validate(Declaration{
		ID:      "v6",
		Command: "sh",
		Args:    []string{"-c", "echo $(whoami) && echo done"},
	})
	assert.NoError(t, err)
}

func TestValidate_RejectsShellMetacharactersInPlainArgs(t *testing.T) {
	err := Validate(Declaration{
		ID:      "v7",
		Command: "echo",
		Args:    []string{"$(whoami)"},
	})
	assert.Error(t, err)
}

func TestValidate_RejectsCwdUnderProtectedRoot(t *testing.T) {
	err := Validate(Declaration{ID: "v8", Command: "echo", Cwd: "/etc"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindSecurityValidation))
}

func TestValidate_AcceptsCwdThatExists(t *testing.T) {
	err := Validate(Declaration{ID: "v9", Command: "echo", Cwd: t.TempDir()})
	assert.NoError(t, err)
}
