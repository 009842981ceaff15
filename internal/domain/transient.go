package domain

// UnrunTask is the transient placeholder for a task that has not executed
// yet. It lives only in process memory inside a builder batch; once the
// concrete task commits, Replacement is installed and the placeholder is
// removed from the batch.
type UnrunTask struct {
	ID     string
	PipeID string
	// Args are the bound positional arguments. Elements may be literals,
	// *Resource, *FileResource, or *VirtualResource values.
	Args []any
	// Outputs are the placeholders handed to the caller: position 0 is the
	// return-value resource, followed by one entry per expected output file.
	Outputs []*VirtualResource

	Replacement *Task

	Description string
}

// VirtualResource is the transient placeholder for one output of an
// UnrunTask, resolved to a *Resource or *FileResource on completion.
type VirtualResource struct {
	ID      string
	Owner   *UnrunTask
	Ordinal int
	// Replacement holds the concrete *Resource or *FileResource once the
	// owning task has committed; nil until then.
	Replacement any
}

// Resolved reports whether the placeholder has been replaced.
func (v *VirtualResource) Resolved() bool { return v.Replacement != nil }
