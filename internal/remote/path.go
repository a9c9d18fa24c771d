// Package remote models paths on the remote filesystem with lazily fetched
// metadata, and glob matching over them.
package remote

import (
	"context"
	"path"

	"github.com/fireflow/fireflow/internal/firecrest"
)

// File types, matching the single-character convention of ls -l.
const (
	TypeBlock     = "b"
	TypeChar      = "c"
	TypeDirectory = "d"
	TypeSymlink   = "l"
	TypeSocket    = "s"
	TypeFIFO      = "p"
	TypeRegular   = "-"
)

// FS is the remote filesystem surface a Path needs: one stat and one ls,
// already bound to a machine.
type FS interface {
	Stat(ctx context.Context, path string) (firecrest.StatRecord, error)
	ListFiles(ctx context.Context, path string, showHidden bool) ([]firecrest.LsFile, error)
}

// ClientFS binds a facade client to one machine, satisfying FS.
type ClientFS struct {
	Client  *firecrest.Client
	Machine string
}

func (c ClientFS) Stat(ctx context.Context, p string) (firecrest.StatRecord, error) {
	return c.Client.Stat(ctx, c.Machine, p)
}

func (c ClientFS) ListFiles(ctx context.Context, p string, showHidden bool) ([]firecrest.LsFile, error) {
	return c.Client.ListFiles(ctx, c.Machine, p, showHidden)
}

// Path is a remote path with lazy type/size metadata. The first access that
// needs metadata stats the remote; a not-found response is cached as absent.
type Path struct {
	fs   FS
	path string

	known  bool // metadata resolved
	absent bool
	ftype  string
	size   int64
}

// NewPath returns a path with unresolved metadata.
func NewPath(fs FS, p string) *Path {
	return &Path{fs: fs, path: path.Clean(p)}
}

// NewPathWithInfo returns a path with already-known type and size, as yielded
// by directory listings.
func NewPathWithInfo(fs FS, p, ftype string, size int64) *Path {
	return &Path{fs: fs, path: path.Clean(p), known: true, ftype: ftype, size: size}
}

func (p *Path) String() string { return p.path }

// PathString returns the full remote path.
func (p *Path) PathString() string { return p.path }

// Name returns the final path segment.
func (p *Path) Name() string { return path.Base(p.path) }

// Joinpath returns a child path with unresolved metadata.
func (p *Path) Joinpath(parts ...string) *Path {
	return NewPath(p.fs, path.Join(append([]string{p.path}, parts...)...))
}

// resolve stats the path once, caching absence on a not-found response.
func (p *Path) resolve(ctx context.Context) error {
	if p.known {
		return nil
	}
	stat, err := p.fs.Stat(ctx, p.path)
	if err != nil {
		if firecrest.IsNotFound(err) {
			p.known = true
			p.absent = true
			return nil
		}
		return err
	}
	p.known = true
	p.size = stat.Size
	p.ftype = typeFromMode(stat.Mode)
	return nil
}

func typeFromMode(mode int64) string {
	switch mode & 0o170000 {
	case 0o040000:
		return TypeDirectory
	case 0o120000:
		return TypeSymlink
	case 0o060000:
		return TypeBlock
	case 0o020000:
		return TypeChar
	case 0o140000:
		return TypeSocket
	case 0o010000:
		return TypeFIFO
	default:
		return TypeRegular
	}
}

// Exists reports whether the path exists on the remote.
func (p *Path) Exists(ctx context.Context) (bool, error) {
	if err := p.resolve(ctx); err != nil {
		return false, err
	}
	return !p.absent, nil
}

// Size returns the size in bytes; ok is false when the path does not exist.
func (p *Path) Size(ctx context.Context) (size int64, ok bool, err error) {
	if err := p.resolve(ctx); err != nil {
		return 0, false, err
	}
	if p.absent {
		return 0, false, nil
	}
	return p.size, true, nil
}

// IsDir reports whether the path is a directory (not following symlinks).
func (p *Path) IsDir(ctx context.Context) (bool, error) {
	if err := p.resolve(ctx); err != nil {
		return false, err
	}
	return !p.absent && p.ftype == TypeDirectory, nil
}

// IsFile reports whether the path is a regular file.
func (p *Path) IsFile(ctx context.Context) (bool, error) {
	if err := p.resolve(ctx); err != nil {
		return false, err
	}
	return !p.absent && p.ftype == TypeRegular, nil
}

// IsSymlink reports whether the path is a symbolic link.
func (p *Path) IsSymlink(ctx context.Context) (bool, error) {
	if err := p.resolve(ctx); err != nil {
		return false, err
	}
	return !p.absent && p.ftype == TypeSymlink, nil
}

// Iterdir lists the directory, yielding children with eagerly populated
// type and size.
func (p *Path) Iterdir(ctx context.Context) ([]*Path, error) {
	children, err := p.fs.ListFiles(ctx, p.path, true)
	if err != nil {
		return nil, err
	}
	out := make([]*Path, 0, len(children))
	for _, child := range children {
		out = append(out, NewPathWithInfo(p.fs, path.Join(p.path, child.Name), child.Type, child.Size))
	}
	return out, nil
}
