package httpx

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/target/jobflow/config"
	apperrors "github.com/target/jobflow/internal/errors"
	"github.com/target/jobflow/internal/service"
)

// UserIDHeader carries the caller id when bearer tokens are disabled.
const UserIDHeader = "X-User-ID"

// Logging returns a middleware that logs HTTP requests and responses.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			const defaultHTTPStatus = 200
			ww := &respWriter{ResponseWriter: w, status: defaultHTTPStatus}
			next.ServeHTTP(ww, r)
			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Duration("duration", time.Since(start)),
			}
			if ww.user != "" {
				attrs = append(attrs, slog.String("user", ww.user))
			}
			logger.InfoContext(r.Context(), "http", attrs...)
		})
	}
}

type respWriter struct {
	http.ResponseWriter
	status int
	user   string // set by RequireAuth
}

func (w *respWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Recover returns a middleware that recovers from panics and logs them.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic",
						slog.Any("error", err),
						slog.String("path", r.URL.Path),
						slog.String("method", r.Method),
						slog.String("stack", string(debug.Stack())))
					WriteError(w, ErrorParams{
						Code:    http.StatusInternalServerError,
						ErrCode: string(apperrors.ErrCodeInternal),
						Err:     errors.New(http.StatusText(http.StatusInternalServerError)),
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Authenticator resolves the calling principal from a request.
type Authenticator struct {
	cfg config.AuthConfig
}

// NewAuthenticator returns an Authenticator for cfg.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// tokenClaims are the claims read from a bearer token.
type tokenClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// Principal returns the caller of r or an Unauthorized error.
func (a *Authenticator) Principal(r *http.Request) (service.Principal, error) {
	if !a.cfg.TokensEnabled() {
		id := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if id == "" {
			return service.Principal{}, apperrors.Unauthorized("missing " + UserIDHeader + " header")
		}
		return service.Principal{ID: id, Admin: a.cfg.IsAdminUser(id)}, nil
	}

	raw, ok := bearerToken(r)
	if !ok {
		return service.Principal{}, apperrors.Unauthorized("bearer token required")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.JWTIssuer))
	}
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return service.Principal{}, apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, "invalid bearer token")
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return service.Principal{}, apperrors.Unauthorized("token subject is required")
	}
	admin := a.cfg.IsAdminUser(sub) || (a.cfg.AdminRole != "" && slices.Contains(claims.Roles, a.cfg.AdminRole))
	return service.Principal{ID: sub, Admin: admin}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(prefix):])
	return tok, tok != ""
}

// RequireAuth returns a middleware that requires a principal.
// If none can be resolved, it returns a 401 Unauthorized response.
func RequireAuth(auth *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := auth.Principal(r)
			if err != nil {
				WriteAppError(w, r, nil, err)
				return
			}
			if rw, ok := w.(*respWriter); ok {
				rw.user = p.ID
			}
			next.ServeHTTP(w, r.WithContext(service.WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireAdmin returns a middleware that rejects non-admin principals with 403.
// It must run after RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := service.PrincipalFrom(r.Context())
		if !ok {
			WriteAppError(w, r, nil, apperrors.Unauthorized("authentication required"))
			return
		}
		if !p.Admin {
			WriteAppError(w, r, nil, apperrors.Forbidden("admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
