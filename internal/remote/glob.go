package remote

import (
	"context"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/fireflow/fireflow/internal/domain"
)

// Glob matches pattern against everything below root, depth-first. Patterns
// support `*`, `?`, character classes and `**` across path segments. The
// pattern is matched against each entry's path relative to root; matches are
// returned as Paths carrying their full remote path. Symlinks may match but
// are never descended, keeping traversal deterministic.
func Glob(ctx context.Context, root *Path, pattern string) ([]*Path, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, domain.Errorf(domain.KindValidation, "invalid glob pattern: %q", pattern)
	}
	var out []*Path
	if err := globWalk(ctx, root, "", pattern, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func globWalk(ctx context.Context, dir *Path, rel, pattern string, out *[]*Path) error {
	children, err := dir.Iterdir(ctx)
	if err != nil {
		return err
	}
	for _, child := range children {
		childRel := child.Name()
		if rel != "" {
			childRel = rel + "/" + child.Name()
		}
		matched, err := doublestar.Match(pattern, childRel)
		if err != nil {
			return err
		}
		if matched {
			*out = append(*out, child)
		}
		isDir, err := child.IsDir(ctx)
		if err != nil {
			return err
		}
		if isDir && canDescend(pattern, childRel) {
			if err := globWalk(ctx, child, childRel, pattern, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// canDescend reports whether entries below rel could still match pattern.
func canDescend(pattern, rel string) bool {
	if strings.Contains(pattern, "**") {
		return true
	}
	patSegs := strings.Split(pattern, "/")
	relSegs := strings.Split(rel, "/")
	if len(relSegs) >= len(patSegs) {
		return false
	}
	for i, seg := range relSegs {
		ok, err := doublestar.Match(patSegs[i], seg)
		if err != nil || !ok {
			return false
		}
	}
	return true
}
