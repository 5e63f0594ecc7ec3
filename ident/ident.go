package ident

import (
	"fmt"
	"strings"
)

// DefaultNamespace is used when a string identifier has no "namespace:" part
const DefaultNamespace = "global"

// ID is a namespaced key e.g. core:tools/sword
// The zero value is not a valid ID. Use New or Parse to get a normalized one.
type ID struct {
	Namespace string
	Path      string
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, `\`, "/")
	return strings.Trim(s, "/")
}

// New returns a normalized ID
func New(namespace, path string) ID {
	return ID{
		Namespace: normalize(namespace),
		Path:      normalize(path),
	}
}

// Parse parses "namespace:path". Without ':' the namespace is DefaultNamespace
func Parse(s string) (ID, error) {
	ns := DefaultNamespace
	path := s
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		ns = s[:idx]
		path = s[idx+1:]
	}
	id := New(ns, path)
	if err := id.Validate(); err != nil {
		return ID{}, fmt.Errorf("invalid identifier '%s': %w", s, err)
	}
	return id, nil
}

// MustParse is like Parse but panics on error. Meant for tests and constants
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func validChar(c byte, isPath bool) bool {
	if c >= 'a' && c <= 'z' {
		return true
	}
	if c >= '0' && c <= '9' {
		return true
	}
	switch c {
	case '_', '-', '.':
		return true
	case '/':
		return isPath
	}
	return false
}

// Validate returns an error if namespace or path are empty or contain
// characters not allowed in identifiers
func (id ID) Validate() error {
	if id.Namespace == "" {
		return fmt.Errorf("empty namespace")
	}
	if id.Path == "" {
		return fmt.Errorf("empty path")
	}
	for i := 0; i < len(id.Namespace); i++ {
		if !validChar(id.Namespace[i], false) {
			return fmt.Errorf("bad character '%c' in namespace '%s'", id.Namespace[i], id.Namespace)
		}
	}
	for i := 0; i < len(id.Path); i++ {
		if !validChar(id.Path[i], true) {
			return fmt.Errorf("bad character '%c' in path '%s'", id.Path[i], id.Path)
		}
	}
	return nil
}

func (id ID) IsZero() bool {
	return id.Namespace == "" && id.Path == ""
}

func (id ID) String() string {
	return id.Namespace + ":" + id.Path
}

// Within returns the ID relative to dir with suffix removed
// e.g. core:items/sword.json within "items" with suffix ".json" is core:sword
// Returns false if id is not inside dir or doesn't end with suffix
func (id ID) Within(dir string, suffix string) (ID, bool) {
	dir = normalize(dir)
	path := id.Path
	if dir != "" {
		if !strings.HasPrefix(path, dir+"/") {
			return ID{}, false
		}
		path = path[len(dir)+1:]
	}
	if !strings.HasSuffix(path, suffix) {
		return ID{}, false
	}
	path = path[:len(path)-len(suffix)]
	if path == "" {
		return ID{}, false
	}
	return ID{Namespace: id.Namespace, Path: path}, true
}

// Less orders by namespace, then path
func Less(a, b ID) bool {
	if a.Namespace != b.Namespace {
		return a.Namespace < b.Namespace
	}
	return a.Path < b.Path
}
