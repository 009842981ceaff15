// Package domain defines the provenance graph entities: pipes, tasks,
// resources, file resources, and their transient planning counterparts.
package domain

import (
	"time"
)

// EntryType identifies the kind of a graph entry.
type EntryType string

const (
	EntryPipe            EntryType = "pipe"
	EntryTask            EntryType = "task"
	EntryResource        EntryType = "resource"
	EntryFileResource    EntryType = "fileresource"
	EntryUnrunTask       EntryType = "unruntask"
	EntryVirtualResource EntryType = "virtualresource"
)

// Ref is a typed reference to a graph entry.
type Ref struct {
	Type EntryType
	ID   string
}

// Param describes one declared parameter of a pipe.
type Param struct {
	Name       string
	Default    any
	HasDefault bool
	// Variadic marks the trailing parameter that captures any remaining
	// positional arguments as an ordered sequence. At most one parameter
	// may be variadic and it must be last.
	Variadic bool
}

// Pipe is a registered, deduplicable definition of a callable unit.
// Pipes are immutable after registration. The live Go function bound to a
// pipe is held by the registry for the current process; the persisted row
// carries only metadata and, for anonymous callables, captured source.
type Pipe struct {
	ID          string
	Module      string
	Name        string
	IdentityKey string
	Params      []Param
	// ReturnVolatile is true for generator-style pipes whose payload is a
	// one-shot stream consumed on first read.
	ReturnVolatile bool
	// Deterministic enables dedup: re-running with the same fingerprint
	// reuses the prior task. Non-deterministic pipes always re-execute.
	Deterministic bool
	HasOutputFunc bool
	Description   string
	Info          Info
}

// ArgKind discriminates how a bound task argument is stored.
type ArgKind string

const (
	ArgLiteral      ArgKind = "literal"
	ArgResource     ArgKind = "resource"
	ArgFileResource ArgKind = "file"
)

// Argument is one bound positional input of a task. Exactly one of
// NodeID (for resource/file kinds) or Literal (for literal kind) is set.
type Argument struct {
	Kind    ArgKind
	NodeID  string
	Literal any
}

// OutputKind discriminates task output node kinds.
type OutputKind string

const (
	OutResource     OutputKind = "resource"
	OutFileResource OutputKind = "file"
)

// OutputRef is one produced node of a task, in ordinal order.
type OutputRef struct {
	Kind   OutputKind
	NodeID string
}

// Task is one committed execution of a pipe with concrete arguments.
// A task row exists if and only if its enclosing transaction committed.
type Task struct {
	ID          string
	PipeID      string
	Fingerprint string
	Inputs      []Argument
	Outputs     []OutputRef
	StartedAt   time.Time
	FinishedAt  time.Time
	Description string
	Info        Info
}

// RunTime reports the wall-clock duration of the task execution.
func (t *Task) RunTime() time.Duration {
	return t.FinishedAt.Sub(t.StartedAt)
}

// InputNodes returns the resource and file-resource references among the
// task's inputs, in argument order.
func (t *Task) InputNodes() []Ref {
	var refs []Ref
	for _, arg := range t.Inputs {
		switch arg.Kind {
		case ArgResource:
			refs = append(refs, Ref{Type: EntryResource, ID: arg.NodeID})
		case ArgFileResource:
			refs = append(refs, Ref{Type: EntryFileResource, ID: arg.NodeID})
		}
	}
	return refs
}

// OutputNodes returns the task's outputs as typed references, in ordinal
// order.
func (t *Task) OutputNodes() []Ref {
	refs := make([]Ref, 0, len(t.Outputs))
	for _, out := range t.Outputs {
		switch out.Kind {
		case OutResource:
			refs = append(refs, Ref{Type: EntryResource, ID: out.NodeID})
		case OutFileResource:
			refs = append(refs, Ref{Type: EntryFileResource, ID: out.NodeID})
		}
	}
	return refs
}

// Resource wraps one in-memory value produced by a task. Non-volatile
// payloads are content-addressed in the vault; volatile payloads exist
// only as a live one-shot handle held by the engine.
type Resource struct {
	ID     string
	TaskID string
	// Ordinal is the position of this resource in the producing task's
	// output list.
	Ordinal     int
	Volatile    bool
	ContentHash string
	Description string
	Info        Info
}

// FileResource tracks an on-disk artifact by absolute path plus the size
// and MD5 captured at registration. TaskID is empty for externally
// registered files.
type FileResource struct {
	ID          string
	TaskID      string
	Path        string
	Size        int64
	MD5         string
	Description string
	Info        Info
}

// Stale reports whether the file resource may no longer be used as a task
// input because a newer registration replaced it or it was marked obsolete.
func (f *FileResource) Stale() bool {
	return f.Info.Has(FlagOverwritten) || f.Info.Has(FlagObsolete)
}
