package domain

import "context"

// PipeFunc is the executable body of a pipe. Arguments arrive fully
// resolved in declared-parameter order: resources as their content, file
// resources as their absolute path, literals as themselves. A variadic
// parameter arrives as a []any in its single position.
type PipeFunc func(ctx context.Context, args []any) (any, error)

// OutputFunc maps the same resolved arguments to the list of file paths
// the pipe is expected to produce. Path order is significant: it defines
// the ordinal binding of the resulting file resources.
type OutputFunc func(args []any) ([]string, error)
