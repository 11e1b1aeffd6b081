package loader

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/joeycumines/go-jsruntime/core"
)

// FS loads file: specifiers from a filesystem, with file:/// as its root.
type FS struct {
	fsys fs.FS
}

var _ core.ModuleLoader = (*FS)(nil)

// NewFS returns a loader reading from fsys.
func NewFS(fsys fs.FS) *FS {
	if fsys == nil {
		panic("loader: nil fs")
	}
	return &FS{fsys: fsys}
}

// Dir returns a loader reading from the directory dir.
func Dir(dir string) *FS {
	return NewFS(os.DirFS(dir))
}

func (x *FS) Resolve(specifier, referrer string, _ bool) (string, error) {
	return Resolve(specifier, referrer)
}

func (x *FS) Load(ctx context.Context, specifier, _ string, _ bool) (*core.ModuleSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := filePath(specifier)
	if err != nil {
		return nil, err
	}
	b, err := fs.ReadFile(x.fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(specifier, err)
		}
		return nil, err
	}
	return &core.ModuleSource{
		Specifier: specifier,
		Code:      string(b),
		MediaKind: MediaKind(specifier),
	}, nil
}
