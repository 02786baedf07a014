package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/flipside/internal/respond"
)

// Recover turns a handler panic into an INTERNAL_ERROR envelope. Panics with
// http.ErrAbortHandler are re-raised so the server aborts the response.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler { //nolint:errorlint // sentinel compared by identity, as net/http does
				panic(rec)
			}
			slog.Error("Handler panic recovered",
				"request_id", chiMiddleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			respond.Error(w, http.StatusInternalServerError, respond.CodeInternalError, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the host part of r.RemoteAddr, which chi's RealIP
// middleware has already rewritten from proxy headers.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
