package resource

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/kjk/datastore/u"
)

// FSLayer reads content from fs.FS with namespaces as top-level directories
type FSLayer struct {
	name string
	fsys fs.FS
}

func NewFSLayer(name string, fsys fs.FS) *FSLayer {
	u.PanicIf(fsys == nil, "nil fsys")
	return &FSLayer{
		name: name,
		fsys: fsys,
	}
}

// NewDirLayer returns a layer for a directory on disk. If dir has "data"
// sub-directory, it's treated as a resource pack and namespaces are read from "data"
func NewDirLayer(dir string) *FSLayer {
	root := dir
	dataDir := filepath.Join(dir, "data")
	if st, err := os.Stat(dataDir); err == nil && st.IsDir() {
		root = dataDir
	}
	return NewFSLayer(dir, os.DirFS(root))
}

func (l *FSLayer) Name() string {
	return l.name
}

func (l *FSLayer) List(ctx context.Context, prefix string, suffix string) ([]Entry, error) {
	namespaces, err := fs.ReadDir(l.fsys, ".")
	if err != nil {
		return nil, err
	}
	prefix = strings.Trim(prefix, "/")
	var res []Entry
	for _, de := range namespaces {
		if !de.IsDir() {
			continue
		}
		root := de.Name()
		if prefix != "" {
			root = path.Join(root, prefix)
		}
		err = fs.WalkDir(l.fsys, root, func(name string, d fs.DirEntry, err error) error {
			if err != nil {
				if name == root && errors.Is(err, fs.ErrNotExist) {
					return fs.SkipDir
				}
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			loc, ok := matchName(name, prefix, suffix)
			if !ok {
				return nil
			}
			open := func() ([]byte, error) {
				return fs.ReadFile(l.fsys, name)
			}
			res = append(res, Entry{Location: loc, Open: decompressing(name, open)})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// MemoryLayer serves content from memory, mostly for zip files and tests
type MemoryLayer struct {
	name string
	fsys *u.MemoryFS
}

// NewMemoryLayer doesn't copy files so caller must not modify it afterwards
func NewMemoryLayer(name string, files map[string][]byte) *MemoryLayer {
	return &MemoryLayer{
		name: name,
		fsys: u.NewMemoryFS(files),
	}
}

// NewZipLayer reads all files of a zip archive into memory
func NewZipLayer(path string) (*MemoryLayer, error) {
	m, err := u.ReadZipFile(path)
	if err != nil {
		return nil, err
	}
	return NewMemoryLayer(path, m), nil
}

func (l *MemoryLayer) Name() string {
	return l.name
}

func (l *MemoryLayer) List(ctx context.Context, prefix string, suffix string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names := packNames(l.fsys.Names(""))
	var res []Entry
	for _, rel := range sortedKeys(names) {
		loc, ok := matchName(rel, prefix, suffix)
		if !ok {
			continue
		}
		name := names[rel]
		open := func() ([]byte, error) {
			return l.fsys.ReadFile(name)
		}
		res = append(res, Entry{Location: loc, Open: decompressing(name, open)})
	}
	return res, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
