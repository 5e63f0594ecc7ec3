package resource

import (
	"bytes"
	"context"
	"fmt"

	"github.com/carlmjohnson/requests"
	"github.com/kjk/datastore/bundle"
)

// BundleLayer serves content of a bundle archive
type BundleLayer struct {
	name    string
	archive *bundle.Archive
}

// NewBundleLayer opens a bundle file. File content is read on demand
func NewBundleLayer(path string) (*BundleLayer, error) {
	a, err := bundle.ReadArchive(path)
	if err != nil {
		return nil, err
	}
	return &BundleLayer{name: path, archive: a}, nil
}

func NewBundleLayerFromBytes(name string, d []byte) (*BundleLayer, error) {
	a, err := bundle.ReadArchiveFromBytes(d)
	if err != nil {
		return nil, fmt.Errorf("bundle '%s': %w", name, err)
	}
	return &BundleLayer{name: name, archive: a}, nil
}

// NewHTTPBundleLayer downloads a bundle from uri
func NewHTTPBundleLayer(ctx context.Context, uri string) (*BundleLayer, error) {
	var buf bytes.Buffer
	err := requests.
		URL(uri).
		ToBytesBuffer(&buf).
		Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("downloading bundle '%s': %w", uri, err)
	}
	return NewBundleLayerFromBytes(uri, buf.Bytes())
}

func (l *BundleLayer) Name() string {
	return l.name
}

func (l *BundleLayer) List(ctx context.Context, prefix string, suffix string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	byPath := map[string]*bundle.Entry{}
	var paths []string
	for _, e := range l.archive.Entries {
		byPath[e.Path] = e
		paths = append(paths, e.Path)
	}
	names := packNames(paths)
	var res []Entry
	for _, rel := range sortedKeys(names) {
		loc, ok := matchName(rel, prefix, suffix)
		if !ok {
			continue
		}
		be := byPath[names[rel]]
		open := func() ([]byte, error) {
			return l.archive.ReadEntry(be)
		}
		res = append(res, Entry{Location: loc, Open: decompressing(be.Path, open)})
	}
	return res, nil
}
