package frame

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"
)

// each frame starts with a header line:
// "--- ${size} ${timestamp_in_unix_epoch_ms} ${name}\n"
// timestamp and name are optional
var hdrPrefix = []byte("--- ")

// MarshalLine frames d. If t is zero, timestamp is not written.
// Name can't contain spaces or newlines
func MarshalLine(name string, t time.Time, d []byte) []byte {
	var wb bytes.Buffer
	wb.Grow(len(hdrPrefix) + len(name) + len(d) + 32)
	wb.Write(hdrPrefix)
	wb.WriteString(strconv.Itoa(len(d)))
	if !t.IsZero() {
		wb.WriteByte(' ')
		wb.WriteString(strconv.FormatInt(TimeToUnixMillisecond(t), 10))
	}
	if name != "" {
		wb.WriteByte(' ')
		wb.WriteString(name)
	}
	wb.WriteByte('\n')
	if n := len(d); n > 0 {
		wb.Write(d)
		// for readability, next header always starts on a new line
		if d[n-1] != '\n' {
			wb.WriteByte('\n')
		}
	}
	return wb.Bytes()
}

// Writer writes frames to an io.Writer. Safe for concurrent use
type Writer struct {
	w io.Writer
	// NoTimestamp makes output not depend on when it was written
	NoTimestamp bool

	mu sync.Mutex
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write writes a frame. Returns number of bytes written
func (w *Writer) Write(d []byte, t time.Time, name string) (int, error) {
	if w.NoTimestamp {
		t = time.Time{}
	} else if t.IsZero() {
		t = time.Now()
	}
	line := MarshalLine(name, t, d)
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(line)
}

// WriteRecord writes r as a frame named r.Name
func (w *Writer) WriteRecord(r *Record) (int, error) {
	return w.Write(r.Marshal(), r.Timestamp, r.Name)
}

// Reader reads frames written by Writer
type Reader struct {
	r *bufio.Reader

	// NoTimestamp hints the data was written without timestamps.
	// A header with 2 values is then parsed as size and name
	NoTimestamp bool

	// available after ReadNext, overwritten by next call
	Data      []byte
	Name      string
	Timestamp time.Time
	// position of the current and the next frame in the reader
	CurrPos int64
	NextPos int64

	err  error
	done bool
}

func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{r: br}
}

func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) setErr(format string, args ...any) bool {
	r.err = fmt.Errorf(format, args...)
	return false
}

// ReadNext reads next frame. Returns false at the end or on error, check Err()
func (r *Reader) ReadNext() bool {
	if r.err != nil || r.done {
		return false
	}
	r.Name = ""
	r.Timestamp = time.Time{}
	r.CurrPos = r.NextPos

	hdr, err := r.r.ReadBytes('\n')
	if err != nil {
		if err == io.EOF && len(hdr) == 0 {
			r.done = true
			return false
		}
		if err == io.EOF {
			return r.setErr("truncated header '%s'", string(hdr))
		}
		r.err = err
		return false
	}
	size := int64(len(hdr))
	line := bytes.TrimPrefix(hdr[:len(hdr)-1], hdrPrefix)
	parts := bytes.SplitN(line, []byte{' '}, 3)

	n, err := strconv.Atoi(string(parts[0]))
	if err != nil || n < 0 {
		return r.setErr("unexpected header '%s'", string(line))
	}
	rest := parts[1:]
	if len(rest) > 0 && !r.NoTimestamp {
		ms, err := strconv.ParseInt(string(rest[0]), 10, 64)
		if err != nil {
			return r.setErr("unexpected header '%s'", string(line))
		}
		r.Timestamp = TimeFromUnixMillisecond(ms)
		rest = rest[1:]
	}
	if len(rest) > 0 {
		r.Name = string(bytes.Join(rest, []byte{' '}))
	}

	r.Data = make([]byte, n)
	if _, err = io.ReadFull(r.r, r.Data); err != nil {
		return r.setErr("reading %d bytes of frame '%s': %w", n, r.Name, err)
	}
	size += int64(n)
	// skip newline added by MarshalLine
	if n > 0 && r.Data[n-1] != '\n' {
		if _, err = r.r.Discard(1); err != nil {
			return r.setErr("missing newline after frame '%s': %w", r.Name, err)
		}
		size++
	}
	r.NextPos += size
	return true
}

// ReadNextRecord reads next frame and decodes it as a Record into rec
func (r *Reader) ReadNextRecord(rec *Record) bool {
	if !r.ReadNext() {
		return false
	}
	if err := rec.Unmarshal(r.Data); err != nil {
		r.err = err
		return false
	}
	rec.Name = r.Name
	rec.Timestamp = r.Timestamp
	return true
}
