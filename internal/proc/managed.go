package proc

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-run/kestrel/internal/apperr"
	"github.com/kestrel-run/kestrel/internal/logging"
	"github.com/kestrel-run/kestrel/internal/ring"
)

// ManagedProcess owns one child's declaration, runtime state, output
// buffers, and the live handle/capture tasks while Running. Its zero value
// is not usable; construct with New.
//
// Lock ordering: a ManagedProcess never reaches back into the Supervisor's
// id-map, so it only ever needs its own mu — the Supervisor is responsible
// for taking its map lock before this one.
type ManagedProcess struct {
	mu   sync.Mutex
	decl Declaration
	rt   RuntimeState

	spawner Spawner
	handle  Handle // present iff rt.Phase == PhaseRunning
	cancel  context.CancelFunc

	stdout *ring.Buffer
	stderr *ring.Buffer

	log *logging.Logger

	reapDone chan struct{} // closed once the reaper has joined the capture tasks and left Running
}

// New constructs a not-yet-started ManagedProcess for decl.
func New(decl Declaration, spawner Spawner, ringCapacity int, log *logging.Logger) *ManagedProcess {
	return &ManagedProcess{
		decl:    decl.Clone(),
		rt:      RuntimeState{Phase: PhaseNotStarted},
		spawner: spawner,
		stdout:  ring.New(ringCapacity),
		stderr:  ring.New(ringCapacity),
		log:     log,
	}
}

// Declaration returns a copy of the process's stable declaration.
func (m *ManagedProcess) Declaration() Declaration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decl.Clone()
}

// State returns a copy of the current runtime state.
func (m *ManagedProcess) State() RuntimeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rt
}

// Update edits the declaration in place while the process is not Running;
// the edit takes effect on the next Start. The id is immutable once
// declared.
func (m *ManagedProcess) Update(fn func(d *Declaration)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rt.Phase == PhaseRunning {
		return apperr.AlreadyRunning(m.decl.ID)
	}
	fn(&m.decl)
	return nil
}

// Start spawns the child if not already Running, wiring the two capture
// tasks and a background reaper.
func (m *ManagedProcess) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rt.Phase == PhaseRunning {
		return apperr.AlreadyRunning(m.decl.ID)
	}

	// The declared cwd may have disappeared since declare; reject before
	// spawning rather than surfacing an opaque OS error.
	if m.decl.Cwd != "" {
		if err := validateCwd(m.decl.Cwd); err != nil {
			return err
		}
	}

	handle, err := m.spawner.Spawn(ctx, m.decl)
	if err != nil {
		m.rt = RuntimeState{Phase: PhaseFailed, Error: err.Error(), StoppedAt: time.Now()}
		return err
	}

	captureCtx, cancel := context.WithCancel(context.Background())
	m.handle = handle
	m.cancel = cancel
	m.reapDone = make(chan struct{})
	m.rt = RuntimeState{
		Phase:     PhaseRunning,
		PID:       handle.PID(),
		StartedAt: time.Now(),
	}

	var captureWG sync.WaitGroup
	captureWG.Add(2)
	go m.captureLines(captureCtx, &captureWG, handle.Stdout(), m.stdout)
	go m.captureLines(captureCtx, &captureWG, handle.Stderr(), m.stderr)

	go m.reap(handle, &captureWG)

	return nil
}

// captureLines reads newline-delimited output until the pipe closes or ctx
// is cancelled, pushing each line to buf. Cancellation drains whatever is
// already buffered in the reader but does not wait for new lines.
func (m *ManagedProcess) captureLines(ctx context.Context, wg *sync.WaitGroup, r io.ReadCloser, buf *ring.Buffer) {
	defer wg.Done()
	defer r.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			// Closing the reader stops the scanner from waiting for new
			// output; it still hands over the complete lines it holds.
			r.Close()
			for line := range lines {
				buf.Push(line)
			}
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			buf.Push(line)
		}
	}
}

// reap waits for the child to exit and performs the Running → Stopped|Failed
// transition. The capture goroutines are cancelled and joined before the
// state flips and reapDone closes, so a Stop caller unblocked by reapDone
// is guaranteed no capture task is still running.
func (m *ManagedProcess) reap(handle Handle, captureWG *sync.WaitGroup) {
	result := handle.Wait(context.Background())

	m.mu.Lock()
	if m.rt.Phase != PhaseRunning || m.handle != handle {
		// A newer handle has since replaced this one; nothing left to do.
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.mu.Unlock()

	// Join the capture tasks outside the lock; they never touch m.mu. The
	// child is already reaped, so the pipes are closed or closing and the
	// readers drain what is left.
	cancel()
	captureWG.Wait()

	m.mu.Lock()
	m.finishLocked(result)
	m.mu.Unlock()
}

// finishLocked performs the Running → Stopped|Failed transition and wakes
// reapDone waiters. Caller must hold mu, have verified Phase == Running,
// and have already joined the capture goroutines.
func (m *ManagedProcess) finishLocked(result ExitResult) {
	now := time.Now()
	if result.Err != nil {
		m.rt = RuntimeState{
			Phase:     PhaseFailed,
			PID:       m.rt.PID,
			StartedAt: m.rt.StartedAt,
			StoppedAt: now,
			Error:     result.Err.Error(),
		}
	} else {
		m.rt = RuntimeState{
			Phase:     PhaseStopped,
			PID:       m.rt.PID,
			StartedAt: m.rt.StartedAt,
			StoppedAt: now,
			ExitCode:  result.ExitCode,
		}
	}
	if m.reapDone != nil {
		close(m.reapDone)
		m.reapDone = nil
	}
	m.handle = nil
	m.cancel = nil
}

// Stop terminates the child: graceful signal then bounded wait when a
// positive grace is given, otherwise an immediate hard kill. graceMS ==
// nil means "no grace period" (hard kill immediately). When Stop returns
// nil the state has left Running and no capture task is still running.
func (m *ManagedProcess) Stop(ctx context.Context, graceMS *int) error {
	m.mu.Lock()
	if m.rt.Phase != PhaseRunning {
		m.mu.Unlock()
		return apperr.NotRunning(m.decl.ID)
	}
	handle := m.handle
	done := m.reapDone
	m.mu.Unlock()

	if graceMS != nil && *graceMS > 0 {
		if err := handle.Signal(SignalTerminate); err != nil {
			m.log.WithError(err).Warn("graceful signal failed, falling back to kill", zap.String("id", m.decl.ID))
		}
		select {
		case <-done:
			return nil
		case <-time.After(time.Duration(*graceMS) * time.Millisecond):
			// fall through to hard kill
		case <-ctx.Done():
			return apperr.Timeout("stop cancelled before grace period elapsed")
		}
	}

	if err := handle.Signal(SignalKill); err != nil {
		m.log.WithError(err).Warn("hard kill signal failed", zap.String("id", m.decl.ID))
	}
	<-done
	return nil
}

// Kill is Stop with no grace period.
func (m *ManagedProcess) Kill(ctx context.Context) error {
	return m.Stop(ctx, nil)
}

// GetOutput returns up to n lines from the requested stream. For
// StreamBoth, it returns n/2 lines from each buffer, stdout-then-stderr;
// exact chronological interleaving is not guaranteed.
func (m *ManagedProcess) GetOutput(stream Stream, n int) []string {
	switch stream {
	case StreamStdout:
		return m.stdout.LastN(n)
	case StreamStderr:
		return m.stderr.LastN(n)
	case StreamBoth:
		half := n / 2
		out := make([]string, 0, half*2)
		out = append(out, m.stdout.LastN(half)...)
		out = append(out, m.stderr.LastN(half)...)
		return out
	default:
		return nil
	}
}

// ClearOutput empties the requested stream's buffer(s).
func (m *ManagedProcess) ClearOutput(stream Stream) {
	switch stream {
	case StreamStdout:
		m.stdout.Clear()
	case StreamStderr:
		m.stderr.Clear()
	case StreamBoth:
		m.stdout.Clear()
		m.stderr.Clear()
	}
}
