package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wolkenlauf/metered/internal/config"
	provisionerdomain "github.com/wolkenlauf/metered/internal/provisioner/domain"
)

func newTestClient(t *testing.T, handler http.Handler) provisionerdomain.Controller {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ctrl, err := New(Params{
		Config: config.Config{ProvisionerURL: srv.URL, ProvisionerTimeout: 5 * time.Second},
		Log:    zap.NewNop(),
	})
	require.NoError(t, err)
	return ctrl
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New(Params{Config: config.Config{ProvisionerURL: "  "}, Log: zap.NewNop()})
	assert.Error(t, err)

	_, err = New(Params{Config: config.Config{ProvisionerURL: "not a url"}, Log: zap.NewNop()})
	assert.Error(t, err)
}

func TestCreate(t *testing.T) {
	var got provisionerdomain.CreateRequest
	ctrl := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/vm/create", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(provisionerdomain.VM{
			ID:     "hcloud-123",
			Status: "pending",
		})
	}))

	vm, err := ctrl.Create(context.Background(), provisionerdomain.CreateRequest{
		Name:         "train-1",
		Provider:     "hetzner",
		InstanceType: "cx22",
		Region:       "fsn1",
	})
	require.NoError(t, err)
	assert.Equal(t, "hcloud-123", vm.ID)
	assert.Equal(t, "pending", vm.Status)
	assert.Equal(t, "train-1", got.Name)
	assert.Equal(t, "hetzner", got.Provider)
}

func TestGetStatusBackfillsID(t *testing.T) {
	ctrl := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/vm/hcloud-123/status", r.URL.Path)
		require.Equal(t, "hetzner", r.URL.Query().Get("provider"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "running", "publicIp": "203.0.113.9"})
	}))

	vm, err := ctrl.GetStatus(context.Background(), "hetzner", "hcloud-123")
	require.NoError(t, err)
	assert.Equal(t, "hcloud-123", vm.ID)
	assert.Equal(t, "running", vm.Status)
	assert.Equal(t, "203.0.113.9", vm.PublicIP)
}

func TestTerminate(t *testing.T) {
	var called bool
	ctrl := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/vm/hcloud-123", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, ctrl.Terminate(context.Background(), "hetzner", "hcloud-123"))
	assert.True(t, called)
}

func TestNotFoundMapsToSentinel(t *testing.T) {
	ctrl := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := ctrl.GetStatus(context.Background(), "hetzner", "gone")
	assert.ErrorIs(t, err, provisionerdomain.ErrNotFound)

	err = ctrl.Terminate(context.Background(), "hetzner", "gone")
	assert.ErrorIs(t, err, provisionerdomain.ErrNotFound)
}

func TestServerErrorIsUnavailable(t *testing.T) {
	ctrl := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := ctrl.GetStatus(context.Background(), "hetzner", "hcloud-123")
	assert.ErrorIs(t, err, provisionerdomain.ErrUnavailable)
}

func TestUnreachableIsUnavailable(t *testing.T) {
	ctrl, err := New(Params{
		Config: config.Config{
			ProvisionerURL:     "http://127.0.0.1:1",
			ProvisionerTimeout: 200 * time.Millisecond,
		},
		Log: zap.NewNop(),
	})
	require.NoError(t, err)

	_, err = ctrl.GetStatus(context.Background(), "hetzner", "hcloud-123")
	assert.ErrorIs(t, err, provisionerdomain.ErrUnavailable)
}
