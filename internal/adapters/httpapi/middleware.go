package httpapi

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
	"github.com/atvirokodosprendimai/keyauth/internal/core/usecase"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	headerOwnerID   = "X-Owner-Id"
	headerAppSecret = "X-Secret"
	headerAPIKey    = "X-Api-Key"
)

// requireCredentials rejects any request whose three credential headers do
// not all match. Every failure gets the same response.
func (h *Handler) requireCredentials(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := h.auth.Authenticate(domain.Credentials{
			OwnerID:   r.Header.Get(headerOwnerID),
			AppSecret: r.Header.Get(headerAppSecret),
			APIKey:    r.Header.Get(headerAPIKey),
		})
		if err != nil {
			if !errors.Is(err, usecase.ErrUnauthorized) {
				h.logger.ErrorContext(r.Context(), "authenticate", "error", err)
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request and records request metrics. It
// must run after RequestID and RealIP.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		h.metrics.Requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		h.metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		h.logger.InfoContext(r.Context(), "request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", elapsed.String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// clientIP returns the caller address after RealIP has rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					if rvr == http.ErrAbortHandler {
						panic(rvr)
					}
					logger.ErrorContext(r.Context(), "panic recovered",
						"panic", rvr,
						"method", r.Method,
						"path", r.URL.Path,
						"request_id", middleware.GetReqID(r.Context()),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
