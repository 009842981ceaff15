package domain

import "fmt"

// BindArgs applies a pipe's parameter schema to a call: positional and
// keyword arguments are unified into one positional list, declared
// defaults fill missing parameters, and a trailing variadic parameter
// captures surplus positional arguments as an ordered sequence.
//
// The returned slice has one element per declared parameter, so two calls
// that spell the same values differently (keyword vs positional, default
// omitted vs passed explicitly) bind identically and fingerprint
// identically.
func BindArgs(params []Param, args []any, kwargs map[string]any) ([]any, error) {
	variadic := len(params) > 0 && params[len(params)-1].Variadic
	fixed := len(params)
	if variadic {
		fixed--
	}

	if !variadic && len(args) > len(params) {
		return nil, &SchemaError{Msg: fmt.Sprintf("too many positional arguments: got %d, expected at most %d", len(args), len(params))}
	}

	bound := make([]any, len(params))
	set := make([]bool, len(params))

	for i := 0; i < len(args) && i < fixed; i++ {
		bound[i] = args[i]
		set[i] = true
	}
	if variadic {
		rest := []any{}
		if len(args) > fixed {
			rest = append(rest, args[fixed:]...)
		}
		bound[len(params)-1] = rest
		set[len(params)-1] = true
	}

	for name, value := range kwargs {
		idx := -1
		for i, p := range params {
			if p.Name == name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, &SchemaError{Msg: fmt.Sprintf("unknown parameter %q", name)}
		}
		if params[idx].Variadic {
			return nil, &SchemaError{Msg: fmt.Sprintf("variadic parameter %q cannot be passed by keyword", name)}
		}
		if set[idx] {
			return nil, &SchemaError{Msg: fmt.Sprintf("parameter %q given both positionally and by keyword", name)}
		}
		bound[idx] = value
		set[idx] = true
	}

	for i, p := range params {
		if set[i] {
			continue
		}
		if !p.HasDefault {
			return nil, &SchemaError{Msg: fmt.Sprintf("missing required parameter %q", p.Name)}
		}
		bound[i] = p.Default
	}

	return bound, nil
}

// CheckNoNestedNodes rejects graph nodes buried inside container values.
// Node references are only tracked at the top level of an argument; a
// resource hidden inside a list or map could not be edge-recorded.
func CheckNoNestedNodes(v any) error {
	switch val := v.(type) {
	case *Resource, *FileResource, *VirtualResource:
		return &SchemaError{Msg: "graph nodes must be top-level arguments, not nested inside containers"}
	case []any:
		for _, item := range val {
			if err := CheckNoNestedNodes(item); err != nil {
				return err
			}
		}
	case map[string]any:
		for _, item := range val {
			if err := CheckNoNestedNodes(item); err != nil {
				return err
			}
		}
	}
	return nil
}
