package proc

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-run/kestrel/internal/apperr"
	"github.com/kestrel-run/kestrel/internal/logging"
)

func testManaged(t *testing.T, decl Declaration) *ManagedProcess {
	t.Helper()
	return New(decl, NewOSSpawner(), 64, logging.Default())
}

func TestManagedProcess_StartStopLifecycle(t *testing.T) {
	decl := Declaration{ID: "p1", Command: "sh", Args: []string{"-c", "echo hello; sleep 5"}}
	mp := testManaged(t, decl)

	require.Equal(t, PhaseNotStarted, mp.State().Phase)

	ctx := context.Background()
	require.NoError(t, mp.Start(ctx))
	assert.Equal(t, PhaseRunning, mp.State().Phase)
	assert.NotZero(t, mp.State().PID)

	grace := 200
	require.NoError(t, mp.Stop(ctx, &grace))

	st := mp.State()
	assert.Equal(t, PhaseStopped, st.Phase)
	assert.False(t, st.StoppedAt.Before(st.StartedAt))
}

func TestManagedProcess_StartTwiceFails(t *testing.T) {
	decl := Declaration{ID: "p2", Command: "sh", Args: []string{"-c", "sleep 5"}}
	mp := testManaged(t, decl)
	ctx := context.Background()

	require.NoError(t, mp.Start(ctx))
	t.Cleanup(func() { _ = mp.Kill(ctx) })

	err := mp.Start(ctx)
	assert.Error(t, err)
}

func TestManagedProcess_StopWhenNotRunningFails(t *testing.T) {
	decl := Declaration{ID: "p3", Command: "sh", Args: []string{"-c", "true"}}
	mp := testManaged(t, decl)
	err := mp.Stop(context.Background(), nil)
	assert.Error(t, err)
}

func TestManagedProcess_BackgroundReapOnNaturalExit(t *testing.T) {
	decl := Declaration{ID: "p4", Command: "sh", Args: []string{"-c", "exit 3"}}
	mp := testManaged(t, decl)
	ctx := context.Background()

	require.NoError(t, mp.Start(ctx))

	require.Eventually(t, func() bool {
		return mp.State().Phase != PhaseRunning
	}, 2*time.Second, 10*time.Millisecond)

	st := mp.State()
	require.Equal(t, PhaseStopped, st.Phase)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 3, *st.ExitCode)
}

func TestManagedProcess_GetOutputCapturesStdoutAndStderr(t *testing.T) {
	decl := Declaration{ID: "p5", Command: "sh", Args: []string{"-c", "echo out1; echo err1 >&2; echo out2"}}
	mp := testManaged(t, decl)
	ctx := context.Background()

	require.NoError(t, mp.Start(ctx))
	require.Eventually(t, func() bool {
		return mp.State().Phase != PhaseRunning
	}, 2*time.Second, 10*time.Millisecond)

	assert.ElementsMatch(t, []string{"out1", "out2"}, mp.GetOutput(StreamStdout, 10))
	assert.Equal(t, []string{"err1"}, mp.GetOutput(StreamStderr, 10))
}

func TestManagedProcess_GetOutputBothFusesHalves(t *testing.T) {
	decl := Declaration{ID: "p6", Command: "sh", Args: []string{"-c", "echo a; echo b; echo e1 >&2; echo e2 >&2"}}
	mp := testManaged(t, decl)
	ctx := context.Background()

	require.NoError(t, mp.Start(ctx))
	require.Eventually(t, func() bool {
		return mp.State().Phase != PhaseRunning
	}, 2*time.Second, 10*time.Millisecond)

	both := mp.GetOutput(StreamBoth, 4)
	require.Len(t, both, 4)
	assert.ElementsMatch(t, []string{"a", "b"}, both[:2])
	assert.ElementsMatch(t, []string{"e1", "e2"}, both[2:])
}

func TestManagedProcess_ClearOutput(t *testing.T) {
	decl := Declaration{ID: "p7", Command: "sh", Args: []string{"-c", "echo line"}}
	mp := testManaged(t, decl)
	ctx := context.Background()

	require.NoError(t, mp.Start(ctx))
	require.Eventually(t, func() bool {
		return mp.State().Phase != PhaseRunning
	}, 2*time.Second, 10*time.Millisecond)

	mp.ClearOutput(StreamBoth)
	assert.Empty(t, mp.GetOutput(StreamStdout, 10))
	assert.Empty(t, mp.GetOutput(StreamStderr, 10))
}

func TestManagedProcess_StartFailsWhenCwdMissing(t *testing.T) {
	sub := filepath.Join(t.TempDir(), "gone")
	require.NoError(t, os.Mkdir(sub, 0o755))
	mp := testManaged(t, Declaration{ID: "c", Command: "echo", Cwd: sub})
	require.NoError(t, os.Remove(sub))

	err := mp.Start(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindSecurityValidation))
	assert.Equal(t, PhaseNotStarted, mp.State().Phase)
}

func TestManagedProcess_EchoCapturesLineAndExitsZero(t *testing.T) {
	decl := Declaration{ID: "e", Command: "echo", Args: []string{"Hello, kestrel!"}}
	mp := testManaged(t, decl)

	require.NoError(t, mp.Start(context.Background()))
	require.Eventually(t, func() bool {
		return mp.State().Phase != PhaseRunning
	}, 2*time.Second, 10*time.Millisecond)

	out := mp.GetOutput(StreamStdout, 10)
	require.NotEmpty(t, out)
	assert.Contains(t, out[0], "Hello, kestrel!")

	st := mp.State()
	require.Equal(t, PhaseStopped, st.Phase)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 0, *st.ExitCode)
}

func TestManagedProcess_EnvIsAdditive(t *testing.T) {
	decl := Declaration{
		ID:      "ev",
		Command: "sh",
		Args:    []string{"-c", "echo $TEST_VAR $X"},
		Env:     map[string]string{"TEST_VAR": "test_value", "X": "running"},
	}
	mp := testManaged(t, decl)

	require.NoError(t, mp.Start(context.Background()))
	require.Eventually(t, func() bool {
		return mp.State().Phase != PhaseRunning
	}, 2*time.Second, 10*time.Millisecond)

	out := mp.GetOutput(StreamStdout, 10)
	require.NotEmpty(t, out)
	assert.True(t, strings.Contains(out[0], "test_value") && strings.Contains(out[0], "running"))
}

func TestManagedProcess_RestartAfterStopYieldsNewPID(t *testing.T) {
	decl := Declaration{ID: "sleeper", Command: "sleep", Args: []string{"10"}}
	mp := testManaged(t, decl)
	ctx := context.Background()

	require.NoError(t, mp.Start(ctx))
	firstPID := mp.State().PID

	grace := 1000
	require.NoError(t, mp.Stop(ctx, &grace))
	require.Equal(t, PhaseStopped, mp.State().Phase)

	require.NoError(t, mp.Start(ctx))
	t.Cleanup(func() { _ = mp.Kill(ctx) })
	assert.NotEqual(t, firstPID, mp.State().PID)
}

func TestManagedProcess_ConcurrentStartsResolveToOneSuccess(t *testing.T) {
	decl := Declaration{ID: "race", Command: "sh", Args: []string{"-c", "sleep 5"}}
	mp := testManaged(t, decl)
	ctx := context.Background()
	t.Cleanup(func() { _ = mp.Kill(ctx) })

	const n = 8
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- mp.Start(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	var started, alreadyRunning int
	for err := range errs {
		switch {
		case err == nil:
			started++
		case apperr.Is(err, apperr.KindAlreadyRunning):
			alreadyRunning++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, n-1, alreadyRunning)
}

func TestManagedProcess_KillHasNoGrace(t *testing.T) {
	decl := Declaration{ID: "p8", Command: "sh", Args: []string{"-c", "sleep 30"}}
	mp := testManaged(t, decl)
	ctx := context.Background()

	require.NoError(t, mp.Start(ctx))

	start := time.Now()
	require.NoError(t, mp.Kill(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, PhaseStopped, mp.State().Phase)
}
