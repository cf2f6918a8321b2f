package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestHeadersMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(HeadersMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.String(200, "ok") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	}
	for header, expected := range want {
		if got := w.Header().Get(header); got != expected {
			t.Errorf("%s = %q, want %q", header, got, expected)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name            string
		allowedOrigins  []string
		requestOrigin   string
		wantHeader      bool
		wantCredentials bool
	}{
		{
			name:            "allowed origin",
			allowedOrigins:  []string{"https://app.freeflow.example"},
			requestOrigin:   "https://app.freeflow.example",
			wantHeader:      true,
			wantCredentials: true,
		},
		{
			name:           "wildcard allows anything without credentials",
			allowedOrigins: []string{"*"},
			requestOrigin:  "https://anything.example",
			wantHeader:     true,
		},
		{
			name:           "unlisted origin gets nothing",
			allowedOrigins: []string{"https://app.freeflow.example"},
			requestOrigin:  "https://evil.example",
			wantHeader:     false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			router := gin.New()
			router.Use(CORSMiddleware(tc.allowedOrigins))
			router.GET("/ping", func(c *gin.Context) { c.String(200, "ok") })

			req := httptest.NewRequest("GET", "/ping", nil)
			req.Header.Set("Origin", tc.requestOrigin)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if got := w.Header().Get("Access-Control-Allow-Origin") != ""; got != tc.wantHeader {
				t.Errorf("allow-origin present = %v, want %v", got, tc.wantHeader)
			}
			if got := w.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tc.wantCredentials {
				t.Errorf("allow-credentials = %v, want %v", got, tc.wantCredentials)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(CORSMiddleware([]string{"*"}))
	router.POST("/v1/orders", func(c *gin.Context) { c.String(200, "ok") })

	req := httptest.NewRequest("OPTIONS", "/v1/orders", nil)
	req.Header.Set("Origin", "https://app.freeflow.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w.Header().Get("Access-Control-Allow-Headers") == "" {
		t.Error("Access-Control-Allow-Headers not set on preflight")
	}
}

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"public literal", "https://93.184.216.34/freeflow", false},
		{"bad scheme", "ftp://hooks.example.com", true},
		{"no host", "https://", true},
		{"localhost", "https://localhost:9000/hook", true},
		{"loopback literal", "http://127.0.0.1/hook", true},
		{"private literal", "http://10.0.0.8/hook", true},
		{"link local", "http://169.254.169.254/latest/meta-data", true},
		{"unspecified", "http://0.0.0.0/hook", true},
		{"metadata hostname", "http://metadata.google.internal/computeMetadata", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateEndpointURL(tc.url)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateEndpointURL(%q) error = %v, wantErr %v", tc.url, err, tc.wantErr)
			}
		})
	}
}
