package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned when a request carries no token or a wrong one.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Config configures token authentication. A token is accepted when it equals Token or,
// if TokenHash is set, when it matches that bcrypt hash. With neither set, auth is off.
type Config struct {
	Token     string `mapstructure:"token"`
	TokenHash string `mapstructure:"token_hash"`
}

// Enabled reports whether any credential is configured.
func (c Config) Enabled() bool { return c.Token != "" || c.TokenHash != "" }

// Middleware checks the token a Jupyter client sends with every request, either as
// "Authorization: token <t>" (or "Bearer <t>") or as the "token" query parameter.
type Middleware struct {
	cfg     Config
	enabled bool
}

// NewMiddleware returns a middleware for cfg.
func NewMiddleware(cfg Config) *Middleware {
	return &Middleware{cfg: cfg, enabled: cfg.Enabled()}
}

// HashToken returns the bcrypt hash to put in Config.TokenHash.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("token must not be empty")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GinAuth returns a Gin middleware function for authentication
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			c.Next()
			return
		}
		if err := m.authenticate(c.Request); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// HTTPAuth returns a standard HTTP middleware function for authentication
func (m *Middleware) HTTPAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.enabled {
			if err := m.authenticate(r); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"authentication_failed","message":"Authentication required"}`))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) authenticate(r *http.Request) error {
	tok := requestToken(r)
	if tok == "" {
		return ErrInvalidCredentials
	}
	if m.cfg.Token != "" && subtle.ConstantTimeCompare([]byte(tok), []byte(m.cfg.Token)) == 1 {
		return nil
	}
	if m.cfg.TokenHash != "" && bcrypt.CompareHashAndPassword([]byte(m.cfg.TokenHash), []byte(tok)) == nil {
		return nil
	}
	return ErrInvalidCredentials
}

func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 {
			switch strings.ToLower(parts[0]) {
			case "token", "bearer":
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return r.URL.Query().Get("token")
}
