package middleware

import (
	"net/http"
	"time"

	"github.com/carelink/internal/logger"
)

// RequestLog логирует каждый HTTP-запрос: method, path, статус и время выполнения (асинхронно).
// Медленные запросы и 5xx пишутся как WARN/ERROR.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := wrap(w)
		next.ServeHTTP(rw, r)
		elapsed := time.Since(start)
		switch {
		case rw.status >= http.StatusInternalServerError:
			logger.Errorf("http %s %s %d %v", r.Method, r.URL.Path, rw.status, elapsed)
		default:
			logger.LogDuration("http "+r.Method+" "+r.URL.Path, start)
		}
	})
}
