package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(m *Middleware) *gin.Engine {
	gin.SetMode(gin.TestMode)
	g := gin.New()
	g.Use(m.GinAuth())
	g.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return g
}

func do(h http.Handler, target, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestGinAuthDisabledPassesThrough(t *testing.T) {
	g := newEngine(NewMiddleware(Config{}))
	assert.Equal(t, http.StatusOK, do(g, "/x", "").Code)
}

func TestGinAuthStaticToken(t *testing.T) {
	g := newEngine(NewMiddleware(Config{Token: "s3cret"}))

	cases := []struct {
		name   string
		target string
		authz  string
		want   int
	}{
		{"missing", "/x", "", http.StatusUnauthorized},
		{"jupyter scheme", "/x", "token s3cret", http.StatusOK},
		{"bearer scheme", "/x", "Bearer s3cret", http.StatusOK},
		{"query param", "/x?token=s3cret", "", http.StatusOK},
		{"wrong token", "/x", "token nope", http.StatusUnauthorized},
		{"unknown scheme", "/x", "Basic s3cret", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(g, tc.target, tc.authz)
			assert.Equal(t, tc.want, w.Code)
			if tc.want == http.StatusUnauthorized {
				assert.JSONEq(t, `{"error":"authentication_failed","message":"Authentication required"}`, w.Body.String())
			}
		})
	}
}

func TestGinAuthTokenHash(t *testing.T) {
	hash, err := HashToken("hashed")
	require.NoError(t, err)
	g := newEngine(NewMiddleware(Config{TokenHash: hash}))

	assert.Equal(t, http.StatusOK, do(g, "/x", "token hashed").Code)
	assert.Equal(t, http.StatusUnauthorized, do(g, "/x", "token other").Code)
}

func TestHashTokenRejectsEmpty(t *testing.T) {
	_, err := HashToken("")
	assert.Error(t, err)
}

func TestHTTPAuth(t *testing.T) {
	m := NewMiddleware(Config{Token: "abc"})
	h := m.HTTPAuth(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	assert.Equal(t, http.StatusUnauthorized, do(h, "/", "").Code)
	assert.Equal(t, http.StatusNoContent, do(h, "/", "token abc").Code)
}
