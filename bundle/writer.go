package bundle

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kjk/datastore/frame"
	"github.com/kjk/datastore/u"
)

const (
	MetaKeyPath = "Path"
	MetaKeySize = "Size"
	MetaKeySha1 = "Sha1"

	archiveName      = "bundle-archive1"
	archiveEntryName = "bundle-entry"
)

var (
	// ErrNoPath is returned when path is not provided
	ErrNoPath = errors.New("no Path provided")
	// ErrDuplicatePath is returned when adding the same path twice
	ErrDuplicatePath = errors.New("duplicate path")
)

// Writer creates a bundle i.e. a single file with many resource files
type Writer struct {
	// Entries is exposed so that they can be re-arranged before Write
	Entries []*Entry

	paths map[string]bool
}

func NewWriter() *Writer {
	return &Writer{
		paths: map[string]bool{},
	}
}

func sha1HexOfBytes(d []byte) string {
	h := sha1.Sum(d)
	return fmt.Sprintf("%x", h[:])
}

// AddData adds d as a file with a given path (uses '/' as separator)
func (w *Writer) AddData(d []byte, path string) error {
	path = u.ToSlashPath(path)
	if path == "" {
		return ErrNoPath
	}
	if w.paths[path] {
		return fmt.Errorf("%w: '%s'", ErrDuplicatePath, path)
	}
	w.paths[path] = true
	e := &Entry{
		Path: path,
		Size: int64(len(d)),
		Sha1: sha1HexOfBytes(d),
		data: d,
	}
	w.Entries = append(w.Entries, e)
	return nil
}

// AddFile adds a file from disk, stored under archivePath
func (w *Writer) AddFile(path string, archivePath string) error {
	d, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return w.AddData(d, archivePath)
}

// AddDir adds all files in dir, recursively. Paths in the archive
// are relative to dir. Returns number of files added
func (w *Writer) AddDir(dir string) (int, error) {
	n := 0
	fsys := os.DirFS(dir)
	err := fs.WalkDir(fsys, ".", func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !de.Type().IsRegular() {
			return nil
		}
		d, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		n++
		return w.AddData(d, path)
	})
	return n, err
}

// SortByPath sorts entries so that archives of the same files are identical
func (w *Writer) SortByPath() {
	slices.SortFunc(w.Entries, func(a, b *Entry) int {
		return strings.Compare(a.Path, b.Path)
	})
}

func serializeHeader(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	fw := frame.NewWriter(&buf)
	// header must not depend on when it was written
	fw.NoTimestamp = true
	var r frame.Record
	for _, e := range entries {
		r.Reset()
		r.Name = archiveEntryName
		_ = r.Add(MetaKeyPath, e.Path)
		_ = r.Add(MetaKeySize, strconv.FormatInt(e.Size, 10))
		_ = r.Add(MetaKeySha1, e.Sha1)
		if _, err := fw.WriteRecord(&r); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Write writes an archive to a writer
func (w *Writer) Write(wr io.Writer) error {
	if wr == nil {
		return errors.New("must provide io.Writer")
	}
	hdr, err := serializeHeader(w.Entries)
	if err != nil {
		return err
	}
	fw := frame.NewWriter(wr)
	if _, err = fw.Write(hdr, time.Now(), archiveName); err != nil {
		return err
	}
	for _, e := range w.Entries {
		if len(e.data) == 0 {
			continue
		}
		if _, err = wr.Write(e.data); err != nil {
			return err
		}
	}
	return nil
}

// WriteToFile writes an archive to a file. We write to a temporary file
// in the same directory and rename so that readers never see a partial bundle
func (w *Writer) WriteToFile(path string) error {
	dir, name := filepath.Split(path)
	if name == "" {
		return &os.PathError{Op: "open", Path: path, Err: os.ErrInvalid}
	}
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, name+".tmp*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	err = w.Write(tmp)
	if err == nil {
		err = tmp.Sync()
	}
	err2 := tmp.Close()
	if err == nil {
		err = err2
	}
	if err == nil {
		err = os.Rename(tmpPath, path)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
	}
	return err
}
