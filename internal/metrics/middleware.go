package metrics

import (
	"net/http"
	"strconv"
	"time"
)

// statusRecorder remembers the first status code sent through it. A body
// written without WriteHeader counts as 200.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// Middleware records EndpointResponses and EndpointDuration for next.
// endpoint maps a request onto a bounded set of label values.
func Middleware(next http.Handler, endpoint func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		label := endpoint(r)
		EndpointDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		EndpointResponses.WithLabelValues(label, strconv.Itoa(rec.code())).Inc()
	})
}
