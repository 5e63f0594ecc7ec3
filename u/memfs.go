package u

import (
	"io"
	"io/fs"
	"slices"
	"strings"
	"time"
)

// MemoryFS is a read-only fs.FS over a map of path => file data.
// Paths use '/' separators. Only files are stored, directories are implied.
type MemoryFS struct {
	m       map[string][]byte
	modTime time.Time
}

// NewMemoryFS doesn't copy m so caller must not modify it afterwards
func NewMemoryFS(m map[string][]byte) *MemoryFS {
	if m == nil {
		m = map[string][]byte{}
	}
	return &MemoryFS{
		m:       m,
		modTime: time.Now(),
	}
}

func NewMemoryFSForZipData(zipData []byte) (*MemoryFS, error) {
	m, err := ReadZipData(zipData)
	if err != nil {
		return nil, err
	}
	return NewMemoryFS(m), nil
}

// Open implements the fs.FS interface for MemoryFS.
func (m *MemoryFS) Open(name string) (fs.File, error) {
	data, exists := m.m[name]
	if !exists {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return &memoryFile{name: name, data: data, modTime: m.modTime}, nil
}

// ReadFile implements fs.ReadFileFS. Returned data must not be modified
func (m *MemoryFS) ReadFile(name string) ([]byte, error) {
	d, ok := m.m[name]
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: name, Err: fs.ErrNotExist}
	}
	return d, nil
}

// Names returns sorted paths of all files starting with prefix
func (m *MemoryFS) Names(prefix string) []string {
	var res []string
	for name := range m.m {
		if strings.HasPrefix(name, prefix) {
			res = append(res, name)
		}
	}
	slices.Sort(res)
	return res
}

// Len returns number of files
func (m *MemoryFS) Len() int {
	return len(m.m)
}

type memoryFile struct {
	name    string
	data    []byte
	off     int
	modTime time.Time
}

func (f *memoryFile) Read(b []byte) (int, error) {
	if f.off >= len(f.data) {
		return 0, io.EOF
	}
	n := copy(b, f.data[f.off:])
	f.off += n
	return n, nil
}

func (f *memoryFile) Close() error {
	return nil
}

func (f *memoryFile) Stat() (fs.FileInfo, error) {
	return fileInfo{name: f.name, size: int64(len(f.data)), modTime: f.modTime}, nil
}

type fileInfo struct {
	name    string
	size    int64
	modTime time.Time
}

func (fi fileInfo) Name() string {
	idx := strings.LastIndexByte(fi.name, '/')
	return fi.name[idx+1:]
}

func (fi fileInfo) Size() int64 {
	return fi.size
}

// Mode returns the file mode (always regular file).
func (fi fileInfo) Mode() fs.FileMode {
	return 0444
}

func (fi fileInfo) ModTime() time.Time {
	return fi.modTime
}

func (fi fileInfo) IsDir() bool {
	return false
}

func (fi fileInfo) Sys() interface{} {
	return nil
}
