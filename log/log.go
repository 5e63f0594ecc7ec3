package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kjk/datastore/frame"
	"github.com/toon-format/toon-go"
)

var (
	log       *WriteDaily
	httpLog   *WriteDaily
	errorsLog *WriteDaily
	eventsLog *WriteDaily

	// if true, Verbosef() will log messages
	Verbose bool

	// Output is where Logf() echoes messages, set to io.Discard to silence
	Output io.Writer = os.Stdout

	onLog func(s string)
)

// WriteDaily appends to one file per UTC day, named 2006-01-02.txt, in Dir.
// Methods are safe to call on a nil receiver, they do nothing
type WriteDaily struct {
	Dir string

	mu sync.Mutex
	// day the open file is for, in file name format
	day  string
	file *os.File
}

func NewWriteDaily(dir string) *WriteDaily {
	return &WriteDaily{Dir: dir}
}

const dayFormat = "2006-01-02"

// Path returns path of the file for the day of t
func (w *WriteDaily) Path(t time.Time) string {
	return filepath.Join(w.Dir, t.UTC().Format(dayFormat)+".txt")
}

// must hold w.mu
func (w *WriteDaily) fileForNow() (*os.File, error) {
	now := time.Now().UTC()
	day := now.Format(dayFormat)
	if w.file != nil && w.day == day {
		return w.file, nil
	}
	if err := w.closeFile(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(w.Path(now), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	w.file, w.day = f, day
	return f, nil
}

func (w *WriteDaily) Write(d []byte) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := w.fileForNow()
	if err == nil {
		_, err = f.Write(d)
	}
	return err
}

func (w *WriteDaily) WriteString(s string) error {
	return w.Write([]byte(s))
}

// must hold w.mu
func (w *WriteDaily) closeFile() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file, w.day = nil, ""
	return err
}

func (w *WriteDaily) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeFile()
}

// Sync flushes the current file to disk
func (w *WriteDaily) Sync() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

type Config struct {
	// Dir has a sub-directory for each log: log, errors, events, http
	Dir string
	// OnLog, if set, gets every message logged with Logf
	OnLog func(s string)
}

// Init sets up the logs in config.Dir. Files are only created
// when something is written to them
func Init(config *Config) {
	open := func(name string) *WriteDaily {
		return NewWriteDaily(filepath.Join(config.Dir, name))
	}
	log, errorsLog, eventsLog, httpLog = open("log"), open("errors"), open("events"), open("http")
	onLog = config.OnLog
}

// CloseWriteDaily syncs and closes *wd and sets it to nil
func CloseWriteDaily(wd **WriteDaily) {
	if *wd == nil {
		return
	}
	_ = (*wd).Sync()
	_ = (*wd).Close()
	*wd = nil
}

func Close() {
	for _, wd := range []**WriteDaily{&log, &errorsLog, &eventsLog, &httpLog} {
		CloseWriteDaily(wd)
	}
	onLog = nil
}

func Logf(s string, args ...any) {
	if len(args) > 0 {
		s = fmt.Sprintf(s, args...)
	}
	if Output != nil {
		fmt.Fprint(Output, s)
	}
	log.WriteString(s)
	if onLog != nil {
		onLog(s)
	}
}

// GetCallstackFrames returns "file:line" of callers, skipping skip frames
// and frames inside the runtime
func GetCallstackFrames(skip int) []string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var res []string
	for {
		fr, more := frames.Next()
		if !strings.HasPrefix(fr.Function, "runtime.") && fr.File != "" {
			res = append(res, fr.File+":"+strconv.Itoa(fr.Line))
		}
		if !more {
			return res
		}
	}
}

func GetCallstack(skip int) string {
	return strings.Join(GetCallstackFrames(skip+1), "\n")
}

func Verbosef(format string, args ...any) {
	if !Verbose {
		return
	}
	Logf(format, args...)
}

// Errorf logs an error message along with the callstack
// to the regular log and to the errors log
func Errorf(s string, args ...any) {
	if len(args) > 0 {
		s = fmt.Sprintf(s, args...)
	}
	cs := GetCallstack(2)
	s = strings.TrimSuffix(s, "\n")
	Logf("%s\n%s\n", s, cs)
	errorsLog.WriteString(frameString("error", s+"\n"+cs))
}

func frameString(name string, s string) string {
	return string(frame.MarshalLine(name, time.Now().UTC(), []byte(s)))
}

// IfErrf logs and returns true if err is not nil.
// With no args err is logged, otherwise args are format and its arguments
func IfErrf(err error, args ...any) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if len(args) > 0 {
		format := fmt.Sprint(args[0])
		msg = fmt.Sprintf(format, args[1:]...)
	}
	Errorf("%s", msg)
	return true
}

// MarshalEvent encodes key / value pairs of an event in toon format
// inside a frame named name. Keys must be strings
func MarshalEvent(name string, t time.Time, vals ...any) []byte {
	if len(vals)%2 != 0 {
		panic(fmt.Sprintf("event '%s': odd number of values (%d)", name, len(vals)))
	}
	var d []byte
	if len(vals) > 0 {
		m := make(map[string]any, len(vals)/2)
		for i := 0; i < len(vals); i += 2 {
			k, ok := vals[i].(string)
			if !ok {
				panic(fmt.Sprintf("event '%s': key %d is %T, not string", name, i/2, vals[i]))
			}
			m[k] = vals[i+1]
		}
		d, _ = toon.Marshal(m)
	}
	return frame.MarshalLine(name, t, d)
}

// Event logs an event to the events log
func Event(name string, vals ...any) {
	d := MarshalEvent(name, time.Now().UTC(), vals...)
	eventsLog.Write(d)
}

func EventWithDuration(name string, dur time.Duration, vals ...any) {
	vals = append(vals, "durmicro", dur.Microseconds())
	Event(name, vals...)
}
