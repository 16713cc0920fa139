// Package supervisor owns the fleet: the id → ManagedProcess map, the
// concurrency discipline around it, reaping, and the shutdown sequence.
package supervisor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kestrel-run/kestrel/internal/apperr"
	"github.com/kestrel-run/kestrel/internal/logging"
	"github.com/kestrel-run/kestrel/internal/proc"
	"github.com/kestrel-run/kestrel/internal/snapshot"
	"github.com/kestrel-run/kestrel/internal/telemetry"
)

// DefaultRemoveGraceMS and DefaultStopAllGraceMS are the fixed 5-second
// grace periods used by Remove and StopAll.
const (
	DefaultRemoveGraceMS  = 5000
	DefaultStopAllGraceMS = 5000
)

// StateFilter narrows list() to processes in a given phase, or All.
type StateFilter string

const (
	FilterAll     StateFilter = "all"
	FilterRunning StateFilter = "running"
	FilterStopped StateFilter = "stopped"
	FilterFailed  StateFilter = "failed"
)

// ListFilter is the optional filter accepted by List.
type ListFilter struct {
	Substring string // matched against id and command, case-insensitive
	State     StateFilter
}

// StatusView is a point-in-time snapshot returned by Status/List, with
// derived fields the wire layer can serialize directly.
type StatusView struct {
	Declaration    proc.Declaration
	Runtime        proc.RuntimeState
	UptimeSec      *float64 // present only when Running
	LastStdoutLine string   // most recent captured stdout line, if any
	LastStderrLine string   // most recent captured stderr line, if any
}

// Update describes a partial edit accepted by Update; nil fields are left
// unchanged.
type Update struct {
	Command            *string
	Args               []string
	Env                map[string]string
	Cwd                *string
	AutoStartOnRestore *bool
}

// SnapshotPaths configures where the persistence bridge writes.
type SnapshotPaths struct {
	Full      string
	AutoStart string
}

// Supervisor owns id → *proc.ManagedProcess. Lock order is strictly
// id-map lock → per-process lock, never the reverse.
type Supervisor struct {
	mu             sync.RWMutex
	processes      map[string]*proc.ManagedProcess
	spawner        proc.Spawner
	ringCap        int
	log            *logging.Logger
	paths          SnapshotPaths
	defaultGraceMS int
	instanceID     string
	tracer         *telemetry.Provider
}

// New constructs an empty Supervisor. Each instance is assigned a random
// id, stamped into every snapshot it writes, so snapshots from concurrent
// or successive kestrel launches can be told apart. A nil tracer disables
// tracing.
func New(spawner proc.Spawner, ringCap int, log *logging.Logger, paths SnapshotPaths, defaultGraceMS int, tracer *telemetry.Provider) *Supervisor {
	if tracer == nil {
		tracer = telemetry.Nop()
	}
	return &Supervisor{
		processes:      make(map[string]*proc.ManagedProcess),
		spawner:        spawner,
		ringCap:        ringCap,
		log:            log,
		paths:          paths,
		defaultGraceMS: defaultGraceMS,
		instanceID:     uuid.NewString(),
		tracer:         tracer,
	}
}

// InstanceID returns the random id generated for this Supervisor, stamped
// into snapshots it writes.
func (s *Supervisor) InstanceID() string { return s.instanceID }

// Declare registers a new declaration. Fails AlreadyExists on duplicate
// id, or SecurityValidation when the declaration fails input validation.
func (s *Supervisor) Declare(decl proc.Declaration) error {
	_, span := s.tracer.Start(context.Background(), "supervisor.declare")
	defer span.End()

	if err := proc.Validate(decl); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.processes[decl.ID]; exists {
		s.mu.Unlock()
		return apperr.AlreadyExists(decl.ID)
	}
	mp := proc.New(decl, s.spawner, s.ringCap, s.log)
	s.processes[decl.ID] = mp
	s.mu.Unlock()

	s.persistAsync()
	return nil
}

// lookup acquires the map read lock just long enough to clone the
// reference to a ManagedProcess, so the map lock is never held across
// child I/O or the per-process lock.
func (s *Supervisor) lookup(id string) (*proc.ManagedProcess, error) {
	s.mu.RLock()
	mp, ok := s.processes[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound(id)
	}
	return mp, nil
}

// Start starts the named process and returns its pid.
func (s *Supervisor) Start(ctx context.Context, id string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "supervisor.start")
	defer span.End()

	mp, err := s.lookup(id)
	if err != nil {
		return 0, err
	}
	if err := mp.Start(ctx); err != nil {
		return 0, err
	}
	s.persistAsync()
	return mp.State().PID, nil
}

// Stop stops the named process with an optional grace period in
// milliseconds.
func (s *Supervisor) Stop(ctx context.Context, id string, graceMS *int) error {
	ctx, span := s.tracer.Start(ctx, "supervisor.stop")
	defer span.End()

	mp, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := mp.Stop(ctx, graceMS); err != nil {
		return err
	}
	s.persistAsync()
	return nil
}

// Remove best-effort stops (fixed 5s grace) then deletes the process.
func (s *Supervisor) Remove(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "supervisor.remove")
	defer span.End()

	mp, err := s.lookup(id)
	if err != nil {
		return err
	}
	if mp.State().Phase == proc.PhaseRunning {
		grace := DefaultRemoveGraceMS
		if err := mp.Stop(ctx, &grace); err != nil {
			s.log.WithError(err).Warn("best-effort stop before remove failed", zap.String("id", id))
		}
	}

	s.mu.Lock()
	delete(s.processes, id)
	s.mu.Unlock()

	s.persistAsync()
	return nil
}

// DefaultGraceMS returns the configured default grace period. Stop does not
// apply it: a nil grace (as when stop_process omits grace_period_ms) means
// an immediate hard kill.
func (s *Supervisor) DefaultGraceMS() int {
	return s.defaultGraceMS
}

// Status returns a point-in-time view with derived fields.
func (s *Supervisor) Status(id string) (StatusView, error) {
	mp, err := s.lookup(id)
	if err != nil {
		return StatusView{}, err
	}
	return toView(mp), nil
}

func toView(mp *proc.ManagedProcess) StatusView {
	decl := mp.Declaration()
	rt := mp.State()
	view := StatusView{Declaration: decl, Runtime: rt}
	if rt.Phase == proc.PhaseRunning {
		uptime := time.Since(rt.StartedAt).Seconds()
		view.UptimeSec = &uptime
	}
	if out := mp.GetOutput(proc.StreamStdout, 1); len(out) > 0 {
		view.LastStdoutLine = out[len(out)-1]
	}
	if out := mp.GetOutput(proc.StreamStderr, 1); len(out) > 0 {
		view.LastStderrLine = out[len(out)-1]
	}
	return view
}

// Output returns up to n lines from the named process's stream.
func (s *Supervisor) Output(id string, stream proc.Stream, lines int) ([]string, error) {
	mp, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return mp.GetOutput(stream, lines), nil
}

// ClearOutput empties the named process's stream buffer(s).
func (s *Supervisor) ClearOutput(id string, stream proc.Stream) error {
	mp, err := s.lookup(id)
	if err != nil {
		return err
	}
	mp.ClearOutput(stream)
	return nil
}

// List returns declaration/state pairs matching filter.
func (s *Supervisor) List(filter ListFilter) []StatusView {
	s.mu.RLock()
	snap := make([]*proc.ManagedProcess, 0, len(s.processes))
	for _, mp := range s.processes {
		snap = append(snap, mp)
	}
	s.mu.RUnlock()

	out := make([]StatusView, 0, len(snap))
	for _, mp := range snap {
		view := toView(mp)
		if !matchesFilter(view, filter) {
			continue
		}
		out = append(out, view)
	}
	return out
}

func matchesFilter(view StatusView, filter ListFilter) bool {
	if filter.Substring != "" {
		needle := strings.ToLower(filter.Substring)
		if !strings.Contains(strings.ToLower(view.Declaration.ID), needle) &&
			!strings.Contains(strings.ToLower(view.Declaration.Command), needle) {
			return false
		}
	}
	switch filter.State {
	case "", FilterAll:
		return true
	case FilterRunning:
		return view.Runtime.Phase == proc.PhaseRunning
	case FilterStopped:
		return view.Runtime.Phase == proc.PhaseStopped
	case FilterFailed:
		return view.Runtime.Phase == proc.PhaseFailed
	default:
		return true
	}
}

// Update applies a partial edit. Rejected while Running, or if the
// resulting declaration fails validation.
func (s *Supervisor) Update(id string, u Update) error {
	mp, err := s.lookup(id)
	if err != nil {
		return err
	}

	var validationErr error
	err = mp.Update(func(d *proc.Declaration) {
		candidate := *d
		if u.Command != nil {
			candidate.Command = *u.Command
		}
		if u.Args != nil {
			candidate.Args = u.Args
		}
		if u.Env != nil {
			candidate.Env = u.Env
		}
		if u.Cwd != nil {
			candidate.Cwd = *u.Cwd
		}
		if u.AutoStartOnRestore != nil {
			candidate.AutoStartOnRestore = *u.AutoStartOnRestore
		}
		if validationErr = proc.Validate(candidate); validationErr != nil {
			return
		}
		*d = candidate
	})
	if err != nil {
		return err
	}
	if validationErr != nil {
		return validationErr
	}

	s.persistAsync()
	return nil
}

// StopAll concurrently stops every Running child with a 5s grace and
// returns the ids it stopped.
func (s *Supervisor) StopAll(ctx context.Context) []string {
	s.mu.RLock()
	candidates := make(map[string]*proc.ManagedProcess, len(s.processes))
	for id, mp := range s.processes {
		if mp.State().Phase == proc.PhaseRunning {
			candidates[id] = mp
		}
	}
	s.mu.RUnlock()

	var mu sync.Mutex
	var stopped []string

	g, gctx := errgroup.WithContext(ctx)
	for id, mp := range candidates {
		id, mp := id, mp
		g.Go(func() error {
			grace := DefaultStopAllGraceMS
			if err := mp.Stop(gctx, &grace); err != nil {
				s.log.WithError(err).Warn("stop_all: failed to stop process", zap.String("id", id))
				return nil
			}
			mu.Lock()
			stopped = append(stopped, id)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.persistAsync()
	return stopped
}

// StartAutoStart starts every declaration with AutoStartOnRestore set.
// Errors are logged, not fatal.
func (s *Supervisor) StartAutoStart(ctx context.Context) {
	s.mu.RLock()
	candidates := make([]*proc.ManagedProcess, 0)
	for _, mp := range s.processes {
		if mp.Declaration().AutoStartOnRestore {
			candidates = append(candidates, mp)
		}
	}
	s.mu.RUnlock()

	for _, mp := range candidates {
		if err := mp.Start(ctx); err != nil {
			s.log.WithError(err).Warn("auto-start failed", zap.String("id", mp.Declaration().ID))
		}
	}
}

// Restore loads declarations from path and materializes them with runtime
// state NotStarted. Declarations that already exist by id are skipped;
// Import, not Restore, performs an overwriting merge.
func (s *Supervisor) Restore(path string) error {
	_, span := s.tracer.Start(context.Background(), "snapshot.load")
	defer span.End()

	decls, err := snapshot.LoadDeclarations(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, decl := range decls {
		if _, exists := s.processes[decl.ID]; exists {
			continue
		}
		s.processes[decl.ID] = proc.New(decl, s.spawner, s.ringCap, s.log)
	}
	return nil
}

// Import behaves like Restore but merges into the live fleet: existing
// declarations by id are overwritten in place, provided they are not
// Running. Running matches are skipped and logged so a partially
// overlapping snapshot never fails the whole import.
func (s *Supervisor) Import(path string) (imported int, updated int, err error) {
	decls, err := snapshot.LoadDeclarations(path)
	if err != nil {
		return 0, 0, err
	}

	for _, decl := range decls {
		if err := proc.Validate(decl); err != nil {
			s.log.WithError(err).Warn("import: skipping invalid declaration", zap.String("id", decl.ID))
			continue
		}
		s.mu.Lock()
		existing, exists := s.processes[decl.ID]
		if exists && existing.State().Phase == proc.PhaseRunning {
			s.mu.Unlock()
			s.log.Warn("import: skipping running process", zap.String("id", decl.ID))
			continue
		}
		s.processes[decl.ID] = proc.New(decl, s.spawner, s.ringCap, s.log)
		s.mu.Unlock()
		if exists {
			updated++
		} else {
			imported++
		}
	}
	s.persistAsync()
	return imported, updated, nil
}

// Export writes the full fleet (or, when onlyAutoStart is true, just the
// auto-start subset) to path.
func (s *Supervisor) Export(path string, onlyAutoStart bool) error {
	_, span := s.tracer.Start(context.Background(), "snapshot.save")
	defer span.End()

	s.mu.RLock()
	entries := make([]snapshot.Entry, 0, len(s.processes))
	for _, mp := range s.processes {
		rt := mp.State()
		entries = append(entries, snapshot.FromDeclaration(mp.Declaration(), &rt))
	}
	s.mu.RUnlock()
	return snapshot.SaveWithInstance(path, entries, onlyAutoStart, s.instanceID)
}

// persistAsync implements the persistence bridge: failures are logged,
// never propagated to the caller. In-memory state remains the source of
// truth during a session.
func (s *Supervisor) persistAsync() {
	if s.paths.Full == "" {
		return
	}
	go func() {
		if err := s.Export(s.paths.Full, false); err != nil {
			s.log.WithError(err).Warn("persistence bridge: failed to write snapshot")
		}
	}()
}

// Shutdown writes the auto-start snapshot, then the full snapshot, then
// stops every running child. The snapshot writes are best-effort.
func (s *Supervisor) Shutdown(ctx context.Context) []string {
	if s.paths.AutoStart != "" {
		if err := s.Export(s.paths.AutoStart, true); err != nil {
			s.log.WithError(err).Warn("shutdown: failed to write auto-start snapshot")
		}
	}
	if s.paths.Full != "" {
		if err := s.Export(s.paths.Full, false); err != nil {
			s.log.WithError(err).Warn("shutdown: failed to write full snapshot")
		}
	}
	return s.StopAll(ctx)
}
