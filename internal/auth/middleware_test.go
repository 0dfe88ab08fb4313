package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func pingRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ping", DeviceAuth("secret", "presence-engine"), func(c *gin.Context) {
		claimsAny, _ := c.Get("claims")
		c.JSON(http.StatusOK, gin.H{"room": claimsAny.(Claims).RoomID})
	})
	return r
}

func ping(t *testing.T, r *gin.Engine, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestDeviceAuthAdmitsRoomBoundToken(t *testing.T) {
	r := pingRouter()

	tokens, err := Issue("reader-1", "lab-1", "presence-engine", "secret", time.Minute, time.Hour)
	require.NoError(t, err)

	w := ping(t, r, tokens.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "lab-1")
}

func TestDeviceAuthRejectsBadTokens(t *testing.T) {
	r := pingRouter()

	require.Equal(t, http.StatusUnauthorized, ping(t, r, "").Code)
	require.Equal(t, http.StatusUnauthorized, ping(t, r, "garbage").Code)

	wrongKey, err := Issue("reader-1", "lab-1", "presence-engine", "other-secret", time.Minute, time.Hour)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, ping(t, r, wrongKey.AccessToken).Code)
}

func TestDeviceAuthRejectsUnboundToken(t *testing.T) {
	r := pingRouter()

	// A token without a room binding never reaches the ingest surface.
	unbound, err := Issue("reader-1", "", "presence-engine", "secret", time.Minute, time.Hour)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, ping(t, r, unbound.AccessToken).Code)
}
