package log

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// headers set by proxies, most trusted first
var remoteAddrHeaders = []string{"CF-Connecting-IP", "X-Real-Ip", "X-Forwarded-For"}

// BestRemoteAddress returns IP address of the client, looking
// through headers set by proxies
func BestRemoteAddress(r *http.Request) string {
	for _, h := range remoteAddrHeaders {
		if v := r.Header.Get(h); v != "" {
			return firstOfList(v)
		}
	}
	return firstOfList(r.RemoteAddr)
}

func firstOfList(s string) string {
	s, _, _ = strings.Cut(s, ",")
	return strings.TrimSpace(s)
}

// httpEntry is one line of the http log
type httpEntry struct {
	Ts     int64   `json:"ts"`
	Method string  `json:"method"`
	URL    string  `json:"url"`
	Query  string  `json:"query,omitempty"`
	IP     string  `json:"ip"`
	Code   int     `json:"code"`
	Size   int64   `json:"size"`
	DurMs  float64 `json:"dur"`
	UA     string  `json:"ua,omitempty"`
}

const maxLoggedQuery = 128

// HTTPRequestToWriteDaily writes a request as a line of JSON to w
func HTTPRequestToWriteDaily(w *WriteDaily, r *http.Request, code int, nWritten int64, dur time.Duration) error {
	e := httpEntry{
		Ts:     time.Now().UTC().Unix(),
		Method: r.Method,
		URL:    r.URL.Path,
		Query:  r.URL.RawQuery,
		IP:     BestRemoteAddress(r),
		Code:   code,
		Size:   nWritten,
		DurMs:  float64(dur.Microseconds()) / 1000,
		UA:     r.Header.Get("User-Agent"),
	}
	if len(e.Query) > maxLoggedQuery {
		e.Query = e.Query[:maxLoggedQuery]
	}
	var sb strings.Builder
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&e); err != nil {
		return err
	}
	return w.WriteString(sb.String())
}

// HTTPRequest logs a request to the http log
func HTTPRequest(r *http.Request, code int, nWritten int64, dur time.Duration) error {
	return HTTPRequestToWriteDaily(httpLog, r, code, nWritten, dur)
}

// CapturingResponseWriter remembers status code and size of the response
type CapturingResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Size       int64
}

func (w *CapturingResponseWriter) WriteHeader(statusCode int) {
	w.StatusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *CapturingResponseWriter) Write(d []byte) (int, error) {
	w.Size += int64(len(d))
	return w.ResponseWriter.Write(d)
}

// LoggingHandler logs every request served by h to the http log.
// Not for websocket endpoints, the writer can't be hijacked
func LoggingHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		cw := &CapturingResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
		h.ServeHTTP(cw, r)
		_ = HTTPRequest(r, cw.StatusCode, cw.Size, time.Since(start))
	})
}
