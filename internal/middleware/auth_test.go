package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthRouter(t *testing.T) *gin.Engine {
	t.Helper()
	require.NoError(t, InitJWT("test-secret"))

	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	r := gin.New()
	auth := NewAuthMiddleware(logger)
	r.GET("/whoami", auth.RequireAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"party_id": PartyID(c)})
	})
	return r
}

func TestRequireAuthAcceptsSignedToken(t *testing.T) {
	r := newAuthRouter(t)

	token, err := GenerateToken("party-7", "user", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "party-7")
}

func TestRequireAuthRejectsMissingHeader(t *testing.T) {
	r := newAuthRouter(t)

	req := httptest.NewRequest("GET", "/whoami", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "MISSING_AUTH_HEADER")
}

func TestRequireAuthRejectsExpiredToken(t *testing.T) {
	r := newAuthRouter(t)

	token, err := GenerateToken("party-7", "user", -time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_TOKEN")
}

func TestValidateTokenRoundTrip(t *testing.T) {
	require.NoError(t, InitJWT("test-secret"))

	token, err := GenerateToken("party-9", "admin", time.Hour)
	require.NoError(t, err)

	claims, err := ValidateJWTToken(token)
	require.NoError(t, err)
	assert.Equal(t, "party-9", claims.PartyID)
	assert.Equal(t, "admin", claims.Role)
}
