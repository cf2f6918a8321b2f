package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func testConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	}
}

func TestAllowBurstThenDeny(t *testing.T) {
	l := New(testConfig())
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("usr_1") {
			t.Fatalf("request %d should fit in the burst", i+1)
		}
	}
	if l.Allow("usr_1") {
		t.Error("request past the burst should be denied")
	}
}

func TestTokensRefill(t *testing.T) {
	l := New(testConfig())
	defer l.Stop()

	for i := 0; i < 5; i++ {
		l.Allow("usr_1")
	}
	if l.Allow("usr_1") {
		t.Fatal("bucket should be empty")
	}

	// 60/min refills one token per second.
	time.Sleep(1100 * time.Millisecond)
	if !l.Allow("usr_1") {
		t.Error("request should pass after refill")
	}
}

func TestKeysAreIsolated(t *testing.T) {
	l := New(testConfig())
	defer l.Stop()

	for i := 0; i < 5; i++ {
		l.Allow("usr_greedy")
	}
	if l.Allow("usr_greedy") {
		t.Fatal("greedy caller should be limited")
	}
	if !l.Allow("usr_other") {
		t.Error("other callers should be unaffected")
	}
}

func TestMiddlewareKeysByUserHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)

	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/ping", func(c *gin.Context) { c.String(200, "ok") })

	do := func(userID string) int {
		req := httptest.NewRequest("GET", "/ping", nil)
		if userID != "" {
			req.Header.Set("X-User-ID", userID)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	// Burst of 1: second request from the same user is rejected, but a
	// different user from the same IP still gets through.
	if code := do("usr_a"); code != 200 {
		t.Fatalf("first request = %d, want 200", code)
	}
	if code := do("usr_a"); code != 429 {
		t.Errorf("second request = %d, want 429", code)
	}
	if code := do("usr_b"); code != 200 {
		t.Errorf("other user = %d, want 200", code)
	}
}
