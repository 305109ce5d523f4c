package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(registerResponse{ID: 17})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)

	id1, err := c.EnsureSchema(context.Background(), "widgets-value", `{"type":"record"}`)
	require.NoError(t, err)
	id2, err := c.EnsureSchema(context.Background(), "widgets-value", `{"type":"record"}`)
	require.NoError(t, err)

	require.Equal(t, int32(17), id1)
	require.Equal(t, id1, id2)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls), "identical text must be cached, not re-registered over the network")
}

func TestEnsureSchemaChangedTextRegistersAgain(t *testing.T) {
	var nextID int32 = 1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := atomic.AddInt32(&nextID, 1) - 1
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(registerResponse{ID: id})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)

	id1, err := c.EnsureSchema(context.Background(), "widgets-value", `{"v":1}`)
	require.NoError(t, err)
	id2, err := c.EnsureSchema(context.Background(), "widgets-value", `{"v":2}`)
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
}

func TestEnsureSchemaSurfacesRegistryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error_code":409,"message":"incompatible schema"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	_, err := c.EnsureSchema(context.Background(), "widgets-value", `{"v":1}`)
	require.Error(t, err)
}
