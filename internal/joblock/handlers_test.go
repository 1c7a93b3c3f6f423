package joblock

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/shortlet/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestHandler_ListAndForceRelease(t *testing.T) {
	m, _ := newTestManager(NewMemoryStore())
	l, err := m.Acquire(context.Background(), "room_fee_release", "pod-a", time.Minute)
	require.NoError(t, err)

	r := gin.New()
	r.Use(auth.Middleware())
	admin := r.Group("", auth.RequireAdmin("s3cret"))
	NewHandler(m).RegisterAdminRoutes(admin)

	do := func(method, path string, secret string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set(auth.HeaderActorID, "ops")
		req.Header.Set(auth.HeaderActorRole, "admin")
		req.Header.Set(auth.HeaderAdminSecret, secret)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do("GET", "/admin/system/job-locks", "wrong")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do("GET", "/admin/system/job-locks", "s3cret")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Locks []*Lock `json:"locks"`
		Count int     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, l.ID, list.Locks[0].ID)

	w = do("DELETE", "/admin/system/job-locks/"+l.ID, "s3cret")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Released ForceReleaseRecord `json:"released"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "admin:ops", resp.Released.ReleasedBy)
	assert.Equal(t, "pod-a", resp.Released.Lock.Holder)

	w = do("DELETE", "/admin/system/job-locks/"+l.ID, "s3cret")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
