package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(mw gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	router := gin.New()
	router.Use(mw)
	router.Handle(method, "/bookings/bk1/escrow-events", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	req := httptest.NewRequest(method, "/bookings/bk1/escrow-events", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(), http.MethodGet, "")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.NotEmpty(t, w.Header().Get("Content-Security-Policy"))
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		credentials bool
	}{
		{"allowed origin", []string{"https://app.shortlet.ng"}, "https://app.shortlet.ng", "https://app.shortlet.ng", true},
		{"other origin", []string{"https://app.shortlet.ng"}, "https://evil.example", "", false},
		{"wildcard", []string{"*"}, "https://any.example", "https://any.example", false},
		{"none configured", nil, "https://app.shortlet.ng", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(CORSMiddleware(tt.allowed), http.MethodGet, tt.origin)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.credentials, w.Header().Get("Access-Control-Allow-Credentials") == "true")
			if tt.wantOrigin != "" {
				assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Actor-ID")
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	w := serve(CORSMiddleware([]string{"https://app.shortlet.ng"}), http.MethodOptions, "https://app.shortlet.ng")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		url        string
		requireTLS bool
		ok         bool
	}{
		{"https://93.184.216.34/hooks", true, true},
		{"http://93.184.216.34/hooks", false, true},
		{"http://93.184.216.34/hooks", true, false},
		{"ftp://93.184.216.34/hooks", false, false},
		{"https://localhost/hooks", false, false},
		{"https://127.0.0.1/hooks", false, false},
		{"https://10.0.0.5/hooks", false, false},
		{"https://169.254.169.254/latest", false, false},
		{"https://0.0.0.0/", false, false},
		{"https:///nohost", false, false},
	}
	for _, tt := range tests {
		err := ValidateEndpointURL(tt.url, tt.requireTLS)
		if tt.ok {
			assert.NoError(t, err, tt.url)
		} else {
			assert.ErrorIs(t, err, ErrUnsafeEndpoint, tt.url)
		}
	}
}
