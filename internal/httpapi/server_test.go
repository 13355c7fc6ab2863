package httpapi_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/bus"
	"github.com/flowmesh/flowmesh/internal/httpapi"
	"github.com/flowmesh/flowmesh/internal/storage/memory"
	"github.com/flowmesh/flowmesh/pkg/logger"
	"github.com/flowmesh/flowmesh/pkg/metrics"
)

var testMetrics = metrics.New("httpapi_test")

func newServer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	log := logger.NewTestLogger()
	commandBus := bus.New(store, nil, log, testMetrics)
	api := httpapi.New(commandBus, store, nil, nil, log, testMetrics)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return srv, store
}

func submit(t *testing.T, srv *httptest.Server, name, key, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/commands/"+name, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Idempotency-Key", key)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSubmitCommandAccepted(t *testing.T) {
	srv, _ := newServer(t)

	resp := submit(t, srv, "CreateUser", "k1", `{"username":"alice"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	commandID := resp.Header.Get("X-Command-Id")
	_, err := uuid.Parse(commandID)
	assert.NoError(t, err)
	assert.Equal(t, "/commands/"+commandID, resp.Header.Get("Location"))
}

func TestSubmitCommandIdempotentReplay(t *testing.T) {
	srv, _ := newServer(t)

	first := submit(t, srv, "CreateUser", "k1", `{"username":"alice"}`)
	second := submit(t, srv, "CreateUser", "k1", `{"username":"alice"}`)

	assert.Equal(t, http.StatusAccepted, first.StatusCode)
	assert.Equal(t, http.StatusAccepted, second.StatusCode)
	assert.Equal(t,
		first.Header.Get("X-Command-Id"),
		second.Header.Get("X-Command-Id"),
		"same key returns the same command id",
	)
}

func TestSubmitCommandRequiresIdempotencyKey(t *testing.T) {
	srv, _ := newServer(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/commands/CreateUser", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitCommandRejectsInvalidJSON(t *testing.T) {
	srv, _ := newServer(t)
	resp := submit(t, srv, "CreateUser", "k1", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetCommand(t *testing.T) {
	srv, _ := newServer(t)

	resp := submit(t, srv, "CreateUser", "k1", `{"username":"alice"}`)
	commandID := resp.Header.Get("X-Command-Id")

	get, err := srv.Client().Get(srv.URL + "/commands/" + commandID)
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusOK, get.StatusCode)

	missing, err := srv.Client().Get(srv.URL + "/commands/" + uuid.New().String())
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	bad, err := srv.Client().Get(srv.URL + "/commands/not-a-uuid")
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
