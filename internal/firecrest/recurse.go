package firecrest

import (
	"context"

	"github.com/fireflow/fireflow/internal/domain"
)

// LsRecurseOptions bound a recursive listing.
type LsRecurseOptions struct {
	ShowHidden bool
	// MaxCalls aborts after this many ls requests; 0 means unbounded.
	MaxCalls int
	// MaxDepth stops descending below this depth; 0 means unbounded.
	MaxDepth int
}

// LsRecurse lists path depth-first, yielding every entry below it with its
// full remote path and depth. Symlinked directories are not descended.
func (c *Client) LsRecurse(ctx context.Context, machine, path string, opts LsRecurseOptions) ([]LsFileRecurse, error) {
	type frame struct {
		entry   LsFileRecurse
		initial bool
	}
	stack := []frame{{entry: LsFileRecurse{LsFile: LsFile{Type: "d"}, Path: path}, initial: true}}
	var out []LsFileRecurse
	calls := 0
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !current.initial {
			out = append(out, current.entry)
		}
		if current.entry.Type != "d" {
			continue
		}
		if opts.MaxDepth > 0 && current.entry.Depth >= opts.MaxDepth {
			continue
		}
		if opts.MaxCalls > 0 && calls >= opts.MaxCalls {
			return nil, domain.Errorf(domain.KindTransport,
				"too many API calls listing %s, aborting", path)
		}
		calls++
		children, err := c.ListFiles(ctx, machine, current.entry.Path, opts.ShowHidden)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			stack = append(stack, frame{entry: LsFileRecurse{
				LsFile: child,
				Path:   current.entry.Path + "/" + child.Name,
				Depth:  current.entry.Depth + 1,
			}})
		}
	}
	return out, nil
}
