package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-engine/internal/generator"
	"github.com/enterprise/fraud-engine/internal/geo"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/repositories"
	"github.com/enterprise/fraud-engine/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"card not found", repositories.ErrCardNotFound, http.StatusNotFound},
		{"device not found", repositories.ErrDeviceNotFound, http.StatusNotFound},
		{"transaction not found", repositories.ErrTransactionNotFound, http.StatusNotFound},
		{"alert not found", repositories.ErrAlertNotFound, http.StatusNotFound},
		{"pattern not found", repositories.ErrPatternNotFound, http.StatusNotFound},
		{"user not found", repositories.ErrUserNotFound, http.StatusNotFound},
		{"device not linked", repositories.ErrDeviceNotLinked, http.StatusUnprocessableEntity},
		{"card blocked or lost", generator.ErrCardBlockedOrLost, http.StatusUnprocessableEntity},
		{"no cards available", repositories.ErrNoCardsAvailable, http.StatusConflict},
		{"card cap reached", services.ErrCardQuantityMax, http.StatusConflict},
		{"device cap reached", services.ErrDeviceMaxSupported, http.StatusConflict},
		{"manual payload missing", services.ErrManualPayloadMissing, http.StatusBadRequest},
		{"malformed coordinate", geo.ErrMalformedCoordinate, http.StatusBadRequest},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, statusForError(tc.err))
		})
	}
}

func TestStatusForError_UnwrapsWrappedErrors(t *testing.T) {
	err := fmt.Errorf("failed to load card: %w", repositories.ErrCardNotFound)
	assert.Equal(t, http.StatusNotFound, statusForError(err))
}

func TestRequestIDMiddleware_GeneratesWhenAbsent(t *testing.T) {
	router := gin.New()
	router.Use(requestIDMiddleware())
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("request_id"))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, w.Code)
	echoed := w.Body.String()
	_, err := uuid.Parse(echoed)
	assert.NoError(t, err)
	assert.Equal(t, echoed, w.Header().Get("X-Request-ID"))
}

func TestRequestIDMiddleware_KeepsCallerID(t *testing.T) {
	router := gin.New()
	router.Use(requestIDMiddleware())
	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("request_id"))
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-caller")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "req-caller", w.Body.String())
	assert.Equal(t, "req-caller", w.Header().Get("X-Request-ID"))
}

func TestCORSMiddleware_AnswersPreflight(t *testing.T) {
	router := gin.New()
	router.Use(corsMiddleware())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestRateLimiter_ExhaustsAndRefills(t *testing.T) {
	rl := NewRateLimiter(2, 100*time.Millisecond)

	assert.True(t, rl.Allow("203.0.113.7"))
	assert.True(t, rl.Allow("203.0.113.7"))
	assert.False(t, rl.Allow("203.0.113.7"))

	// A different client has its own bucket.
	assert.True(t, rl.Allow("203.0.113.8"))

	time.Sleep(120 * time.Millisecond)
	assert.True(t, rl.Allow("203.0.113.7"))
}

func TestRateLimitMiddleware_Returns429(t *testing.T) {
	router := gin.New()
	router.Use(rateLimitMiddleware(NewRateLimiter(1, time.Minute)))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate limit exceeded")
}

func TestGetIntParam(t *testing.T) {
	cases := []struct {
		name  string
		query string
		want  int
	}{
		{"missing", "", 20},
		{"valid", "page_size=50", 50},
		{"junk", "page_size=lots", 20},
		{"zero", "page_size=0", 20},
		{"negative", "page_size=-3", 20},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/?"+tc.query, nil)
			assert.Equal(t, tc.want, getIntParam(c, "page_size", 20))
		})
	}
}

func TestParseDateQuery(t *testing.T) {
	t.Run("defaults to today", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		date, ok := parseDateQuery(c, "date")
		require.True(t, ok)
		assert.Equal(t, time.Now().Format("2006-01-02"), date.Format("2006-01-02"))
	})

	t.Run("parses explicit date", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/?date=2025-06-15", nil)

		date, ok := parseDateQuery(c, "date")
		require.True(t, ok)
		assert.Equal(t, time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC), date)
	})

	t.Run("rejects malformed date", func(t *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/?date=15-06-2025", nil)

		_, ok := parseDateQuery(c, "date")
		assert.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "YYYY-MM-DD")
	})
}

func TestMaskCards_NeverLeaksPAN(t *testing.T) {
	cards := []*models.Card{
		{CardNumber: "4111111111111111"},
		{CardNumber: "5500005555555559"},
	}

	masked := maskCards(cards)
	require.Len(t, masked, 2)
	assert.Equal(t, "**** **** **** 1111", masked[0].MaskedNumber)
	assert.Equal(t, "**** **** **** 5559", masked[1].MaskedNumber)
}
