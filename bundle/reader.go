package bundle

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/kjk/datastore/frame"
)

// Entry represents a single file in the archive
type Entry struct {
	// Path of the file, uses '/' as separator
	Path string
	// offset of data within the archive
	Offset int64
	Size   int64
	// sha1 of content, in hex format
	Sha1 string

	// only set when writing
	data []byte
}

// Archive is a bundle opened for reading
type Archive struct {
	// Path is set if archive was read from a file
	Path    string
	Entries []*Entry

	// if true, skip validating sha1 on reading
	DisableValidateSha1 bool

	// set if archive was read from memory
	data []byte
}

// ReadArchive reads archive index from a file. Entry data is
// read lazily in ReadEntry
func ReadArchive(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	a, err := readArchiveIndex(f)
	if err != nil {
		return nil, fmt.Errorf("bundle '%s': %w", path, err)
	}
	a.Path = path
	return a, nil
}

// ReadArchiveFromBytes reads archive that is all in memory
func ReadArchiveFromBytes(d []byte) (*Archive, error) {
	a, err := readArchiveIndex(bytes.NewReader(d))
	if err != nil {
		return nil, err
	}
	a.data = d
	for _, e := range a.Entries {
		if e.Offset+e.Size > int64(len(d)) {
			return nil, fmt.Errorf("entry '%s' extends past end of data", e.Path)
		}
	}
	return a, nil
}

func parseEntry(rec *frame.Record, offset int64) (*Entry, error) {
	path, ok := rec.Get(MetaKeyPath)
	if !ok || path == "" {
		return nil, fmt.Errorf("missing '%s' value", MetaKeyPath)
	}
	sizeStr, ok := rec.Get(MetaKeySize)
	if !ok {
		return nil, fmt.Errorf("missing '%s' value for '%s'", MetaKeySize, path)
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil || size < 0 {
		return nil, fmt.Errorf("value '%s' for '%s' is not a valid size", sizeStr, MetaKeySize)
	}
	sha1, ok := rec.Get(MetaKeySha1)
	if !ok {
		return nil, fmt.Errorf("missing '%s' value for '%s'", MetaKeySha1, path)
	}
	return &Entry{
		Path:   path,
		Offset: offset,
		Size:   size,
		Sha1:   sha1,
	}, nil
}

func readArchiveIndex(r io.Reader) (*Archive, error) {
	fr := frame.NewReader(r)
	if !fr.ReadNext() {
		if fr.Err() != nil {
			return nil, fr.Err()
		}
		return nil, fmt.Errorf("missing header")
	}
	if fr.Name != archiveName {
		return nil, fmt.Errorf("expected header named '%s', got '%s'", archiveName, fr.Name)
	}
	// file data starts right after the header
	offset := fr.NextPos
	hr := frame.NewReader(bytes.NewReader(fr.Data))
	hr.NoTimestamp = true
	var entries []*Entry
	var rec frame.Record
	for hr.ReadNextRecord(&rec) {
		e, err := parseEntry(&rec, offset)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
		offset += e.Size
	}
	if hr.Err() != nil {
		return nil, hr.Err()
	}
	return &Archive{Entries: entries}, nil
}

func readFileChunk(path string, offset, size int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d := make([]byte, int(size))
	if _, err = f.ReadAt(d, offset); err != nil {
		return nil, err
	}
	return d, nil
}

// ReadEntry returns content of e
func (a *Archive) ReadEntry(e *Entry) ([]byte, error) {
	var d []byte
	if a.data != nil {
		d = a.data[e.Offset : e.Offset+e.Size]
	} else {
		if a.Path == "" {
			return nil, ErrNoPath
		}
		var err error
		if d, err = readFileChunk(a.Path, e.Offset, e.Size); err != nil {
			return nil, err
		}
	}
	if !a.DisableValidateSha1 {
		if got := sha1HexOfBytes(d); got != e.Sha1 {
			return nil, fmt.Errorf("mismatched sha1 for file '%s'. Expected: %s, got: %s", e.Path, e.Sha1, got)
		}
	}
	return d, nil
}

// Find returns entry with a given path or nil
func (a *Archive) Find(path string) *Entry {
	for _, e := range a.Entries {
		if e.Path == path {
			return e
		}
	}
	return nil
}
