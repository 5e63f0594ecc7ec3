// Package resource lists documents across layered content sources
// (directories, zip files, bundles, S3 buckets) for a data store to load.
package resource

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kjk/datastore/ident"
	"github.com/kjk/datastore/u"
)

// Resource is a single file found by an Enumerator
type Resource struct {
	// Location is namespace and the full path inside the namespace
	// e.g. core:items/sword.json
	Location ident.ID
	// Layer is precedence. Higher layer overrides lower
	Layer int
	// Source names the layer the resource comes from, for error messages
	Source string
	// Open reads the content. Compressed files are already decompressed
	Open func() ([]byte, error)
}

// Enumerator lists resources under a directory prefix, in all layers.
// Order of returned resources is not defined
type Enumerator interface {
	ListResources(ctx context.Context, prefix string, suffix string) ([]Resource, error)
}

// Entry is a file inside a single layer
type Entry struct {
	Location ident.ID
	Open     func() ([]byte, error)
}

// Layer is one content source
type Layer interface {
	Name() string
	List(ctx context.Context, prefix string, suffix string) ([]Entry, error)
}

// Stack is an Enumerator over layers. Layer at index i has precedence i
// so layers pushed later override earlier ones
type Stack struct {
	mu     sync.Mutex
	layers []Layer
}

func NewStack(layers ...Layer) *Stack {
	return &Stack{
		layers: layers,
	}
}

// Push adds a layer with the highest precedence
func (s *Stack) Push(l Layer) {
	u.PanicIf(l == nil, "nil layer")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers = append(s.layers, l)
}

// Layers returns a copy of layers, lowest precedence first
func (s *Stack) Layers() []Layer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Layer(nil), s.layers...)
}

func (s *Stack) ListResources(ctx context.Context, prefix string, suffix string) ([]Resource, error) {
	var res []Resource
	for i, l := range s.Layers() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := l.List(ctx, prefix, suffix)
		if err != nil {
			return nil, fmt.Errorf("listing layer '%s': %w", l.Name(), err)
		}
		for _, e := range entries {
			r := Resource{
				Location: e.Location,
				Layer:    i,
				Source:   l.Name(),
				Open:     e.Open,
			}
			res = append(res, r)
		}
	}
	return res, nil
}

// matchName converts a layer-relative file name "<namespace>/<path>" into a
// location if path is inside prefix directory and ends with suffix.
// A compressed extension (.br, .gz, .zst) after the suffix is ignored
func matchName(name string, prefix string, suffix string) (ident.ID, bool) {
	name = u.ToSlashPath(name)
	plain, _ := u.TrimCompressedExt(name)
	idx := strings.IndexByte(plain, '/')
	if idx <= 0 {
		return ident.ID{}, false
	}
	loc := ident.New(plain[:idx], plain[idx+1:])
	if _, ok := loc.Within(prefix, strings.ToLower(suffix)); !ok {
		return ident.ID{}, false
	}
	return loc, true
}

// decompressing wraps open to transparently decompress based on name
func decompressing(name string, open func() ([]byte, error)) func() ([]byte, error) {
	if _, ext := u.TrimCompressedExt(name); ext == "" {
		return open
	}
	return func() ([]byte, error) {
		d, err := open()
		if err != nil {
			return nil, err
		}
		return u.DecompressByExt(name, d)
	}
}

const packDataDir = "data/"

// packNames returns names relative to the namespace root, keyed by the
// relative name. Content packaged as a resource pack has namespaces inside
// "data/" directory and only that part is used
func packNames(names []string) map[string]string {
	isPack := false
	for _, name := range names {
		if strings.HasPrefix(name, packDataDir) {
			isPack = true
			break
		}
	}
	res := map[string]string{}
	for _, name := range names {
		rel := name
		if isPack {
			if !strings.HasPrefix(name, packDataDir) {
				continue
			}
			rel = name[len(packDataDir):]
		}
		res[rel] = name
	}
	return res
}
