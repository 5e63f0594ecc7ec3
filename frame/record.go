package frame

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

/*
A record is a list of key/value pairs in a line-oriented, human-readable format:

key: value\n

Values that are empty, long (> 120 chars) or not printable ascii
are written with explicit size:

key:+$len\n
value\n
*/

type Entry struct {
	Key   string
	Value string
}

// Record is a named list of key / value pairs
type Record struct {
	Name string
	// when writing, if zero we use current time (unless Writer.NoTimestamp)
	Timestamp time.Time
	Entries   []Entry
}

// Add appends key / value. Keys can't contain ':' or '\n'
func (r *Record) Add(key string, value string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	for i := 0; i < len(key); i++ {
		if c := key[i]; c == ':' || c == '\n' {
			return fmt.Errorf("invalid character '%c' in key '%s'", c, key)
		}
	}
	r.Entries = append(r.Entries, Entry{Key: key, Value: value})
	return nil
}

// Get returns the first value for a given key
func (r *Record) Get(key string) (string, bool) {
	for _, e := range r.Entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

func (r *Record) Reset() {
	r.Name = ""
	r.Timestamp = time.Time{}
	r.Entries = r.Entries[:0]
}

func printableOnLine(s string) bool {
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b < 32 || b > 127 {
			return false
		}
	}
	return true
}

func needsLongFormat(s string) bool {
	return len(s) == 0 || len(s) > 120 || !printableOnLine(s)
}

// Marshal serializes entries (without name and timestamp, those go to the header
// written by Writer)
func (r *Record) Marshal() []byte {
	var buf bytes.Buffer
	for _, e := range r.Entries {
		buf.WriteString(e.Key)
		if !needsLongFormat(e.Value) {
			buf.WriteString(": ")
			buf.WriteString(e.Value)
			buf.WriteByte('\n')
			continue
		}
		buf.WriteString(":+")
		buf.WriteString(strconv.Itoa(len(e.Value)))
		buf.WriteByte('\n')
		buf.WriteString(e.Value)
		// for readability, next key always starts on a new line
		if n := len(e.Value); n == 0 || e.Value[n-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}

// Unmarshal decodes entries as serialized by Marshal, replacing r.Entries
func (r *Record) Unmarshal(d []byte) error {
	r.Entries = r.Entries[:0]
	for len(d) > 0 {
		idx := bytes.IndexByte(d, '\n')
		if idx == -1 {
			return fmt.Errorf("missing '\\n' at the end of line '%s'", string(d))
		}
		line := d[:idx]
		d = d[idx+1:]
		idx = bytes.IndexByte(line, ':')
		if idx == -1 || idx == len(line)-1 {
			return fmt.Errorf("line in unrecognized format: '%s'", line)
		}
		key := string(line[:idx])
		kind := line[idx+1]
		val := line[idx+2:]
		switch kind {
		case ' ':
			r.Entries = append(r.Entries, Entry{Key: key, Value: string(val)})
		case '+':
			n, err := strconv.Atoi(string(val))
			if err != nil {
				return fmt.Errorf("bad length in line '%s': %w", line, err)
			}
			if n < 0 || n > len(d) {
				return fmt.Errorf("length %d of value for '%s' out of range (%d bytes left)", n, key, len(d))
			}
			r.Entries = append(r.Entries, Entry{Key: key, Value: string(d[:n])})
			d = d[n:]
			// optional newline added by Marshal
			if len(d) > 0 && d[0] == '\n' {
				d = d[1:]
			}
		default:
			return fmt.Errorf("line in unrecognized format: '%s'", line)
		}
	}
	return nil
}

// TimeToUnixMillisecond converts t into Unix epoch time in milliseconds.
func TimeToUnixMillisecond(t time.Time) int64 {
	return t.UnixNano() / 1e6
}

// TimeFromUnixMillisecond returns time from Unix epoch time in milliseconds.
func TimeFromUnixMillisecond(unixMs int64) time.Time {
	return time.Unix(0, unixMs*1e6)
}
