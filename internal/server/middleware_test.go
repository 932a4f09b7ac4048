package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/wolkenlauf/metered/internal/config"
)

func newAuthTestRouter(s *Server) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ErrorHandlingMiddleware())
	r.GET("/user", s.UserRequired(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": userIDFrom(c)})
	})
	r.POST("/billing", s.BillingKeyRequired(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func TestUserRequired(t *testing.T) {
	s := &Server{cfg: config.Config{}}
	r := newAuthTestRouter(s)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/user", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/user", nil)
	req.Header.Set("X-User-ID", "  ")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/user", nil)
	req.Header.Set("X-User-ID", "user-1")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "user-1")
}

func TestBillingKeyRequired(t *testing.T) {
	s := &Server{cfg: config.Config{BillingServiceKey: "sekrit"}}
	r := newAuthTestRouter(s)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/billing", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/billing", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/billing", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBillingKeyDisabledWithoutConfig(t *testing.T) {
	s := &Server{cfg: config.Config{}}
	r := newAuthTestRouter(s)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/billing", nil)
	req.Header.Set("Authorization", "Bearer anything")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code, "no configured key disables the endpoint")
}
