package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"v2tester_nexus/internal/model"
)

func TestCheckNetwork(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer up.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()
	down := httptest.NewServer(http.NotFoundHandler())
	downURL := down.URL
	down.Close()

	ctx := context.Background()
	assert.NoError(t, CheckNetwork(ctx, nil, time.Second), "no targets disables the check")
	assert.NoError(t, CheckNetwork(ctx, []string{downURL, up.URL}, time.Second))

	err := CheckNetwork(ctx, []string{downURL, broken.URL}, time.Second)
	require.Error(t, err)
	assert.Equal(t, model.KindNetworkUnavailable, model.KindOf(err))
	assert.True(t, model.KindOf(err).Fatal())
	assert.Contains(t, err.Error(), "status 503")
}
