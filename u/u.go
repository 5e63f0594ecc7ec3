package u

import (
	"fmt"
	"io"
	"strings"
)

func Must(err error) {
	if err != nil {
		panic(err)
	}
}

func PanicIf(cond bool, args ...interface{}) {
	if !cond {
		return
	}
	s := "condition failed"
	if len(args) > 0 {
		s = fmt.Sprintf("%s", args[0])
		if len(args) > 1 {
			s = fmt.Sprintf(s, args[1:]...)
		}
	}
	panic(s)
}

// CloseNoError is like io.Closer Close() but ignores an error
// use as: defer CloseNoError(f)
func CloseNoError(f io.Closer) {
	_ = f.Close()
}

// ToSlashPath converts windows-style path to a path with '/' separators
// and removes leading "./" and "/"
func ToSlashPath(s string) string {
	s = strings.ReplaceAll(s, `\`, "/")
	s = strings.TrimPrefix(s, "./")
	return strings.TrimLeft(s, "/")
}
