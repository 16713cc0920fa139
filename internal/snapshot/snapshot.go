// Package snapshot persists the declared fleet to a human-readable YAML
// document on the local filesystem. The format is deliberately textual: a
// human can read or hand-edit it.
package snapshot

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestrel-run/kestrel/internal/apperr"
	"github.com/kestrel-run/kestrel/internal/proc"
)

// FormatVersion is bumped whenever the document shape changes
// incompatibly.
const FormatVersion = 1

// Meta is the top-level document header.
type Meta struct {
	Version   int       `yaml:"version"`
	Timestamp time.Time `yaml:"timestamp"`
	Hostname  string    `yaml:"hostname,omitempty"`
	// InstanceID identifies the kestrel process that wrote this document,
	// telling apart snapshots from concurrent or successive launches.
	InstanceID string `yaml:"instance_id,omitempty"`
}

// RuntimeProjection is the subset of proc.RuntimeState worth persisting;
// it is discarded on restore, since the pid no longer refers to a child
// this supervisor owns.
type RuntimeProjection struct {
	Phase     proc.Phase `yaml:"phase"`
	PID       int        `yaml:"pid,omitempty"`
	StartedAt *time.Time `yaml:"started_at,omitempty"`
	StoppedAt *time.Time `yaml:"stopped_at,omitempty"`
	ExitCode  *int       `yaml:"exit_code,omitempty"`
	Error     string     `yaml:"error,omitempty"`
}

// Entry is one persisted process: its declaration plus an optional runtime
// projection captured at save time.
type Entry struct {
	ID        string             `yaml:"id"`
	Name      string             `yaml:"name,omitempty"`
	Command   string             `yaml:"command"`
	Args      []string           `yaml:"args,omitempty"`
	Cwd       string             `yaml:"cwd,omitempty"`
	AutoStart bool               `yaml:"auto_start"`
	Tags      []string           `yaml:"tags,omitempty"`
	Env       map[string]string  `yaml:"env,omitempty"`
	Runtime   *RuntimeProjection `yaml:"runtime,omitempty"`
}

// Document is the full on-disk shape.
type Document struct {
	Meta      Meta    `yaml:"meta"`
	Processes []Entry `yaml:"processes"`
}

// FromDeclaration builds an Entry from a declaration, optionally attaching
// a runtime projection.
func FromDeclaration(decl proc.Declaration, rt *proc.RuntimeState) Entry {
	e := Entry{
		ID:        decl.ID,
		Name:      decl.ID,
		Command:   decl.Command,
		Args:      decl.Args,
		Cwd:       decl.Cwd,
		AutoStart: decl.AutoStartOnRestore,
		Tags:      decl.Tags,
		Env:       decl.Env,
	}
	if rt != nil {
		proj := &RuntimeProjection{Phase: rt.Phase}
		if rt.Phase == proc.PhaseRunning {
			proj.PID = rt.PID
			t := rt.StartedAt
			proj.StartedAt = &t
		}
		if rt.Phase == proc.PhaseStopped || rt.Phase == proc.PhaseFailed {
			t := rt.StoppedAt
			proj.StoppedAt = &t
			proj.ExitCode = rt.ExitCode
			proj.Error = rt.Error
		}
		e.Runtime = proj
	}
	return e
}

// ToDeclaration discards the runtime projection, per the restore contract:
// runtime state always resets to NotStarted.
func (e Entry) ToDeclaration() proc.Declaration {
	return proc.Declaration{
		ID:                 e.ID,
		Command:            e.Command,
		Args:               append([]string(nil), e.Args...),
		Env:                cloneEnv(e.Env),
		Cwd:                e.Cwd,
		AutoStartOnRestore: e.AutoStart,
		Tags:               append([]string(nil), e.Tags...),
	}
}

func cloneEnv(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Save atomically writes processes (or, when onlyAutoStart is true, just
// those with AutoStartOnRestore) to path: write to a sibling temp file,
// then rename, so a reader never observes a half-written document.
func Save(path string, entries []Entry, onlyAutoStart bool) error {
	return SaveWithInstance(path, entries, onlyAutoStart, "")
}

// SaveWithInstance is Save, additionally stamping the document's meta
// block with the writing kestrel instance's id.
func SaveWithInstance(path string, entries []Entry, onlyAutoStart bool, instanceID string) error {
	if onlyAutoStart {
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.AutoStart {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	doc := Document{
		Meta: Meta{
			Version:    FormatVersion,
			Timestamp:  time.Now(),
			Hostname:   hostname(),
			InstanceID: instanceID,
		},
		Processes: entries,
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return apperr.SerializationError(err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.IoError(err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return apperr.IoError(err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return apperr.IoError(err)
	}
	if err := tmp.Close(); err != nil {
		return apperr.IoError(err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return apperr.IoError(err)
	}
	return nil
}

// Load reads and parses the document at path.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Document{}, apperr.New(apperr.KindNotFound, "snapshot %q not found", path)
		}
		return Document{}, apperr.IoError(err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, apperr.ParseError(err)
	}
	return doc, nil
}

// LoadDeclarations is a convenience wrapper returning just the declarations,
// runtime state discarded.
func LoadDeclarations(path string) ([]proc.Declaration, error) {
	doc, err := Load(path)
	if err != nil {
		return nil, err
	}
	out := make([]proc.Declaration, 0, len(doc.Processes))
	for _, e := range doc.Processes {
		out = append(out, e.ToDeclaration())
	}
	return out, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}
