package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/dukex/flowtrail/pkg/blob"
	"github.com/dukex/flowtrail/pkg/cache"
	"github.com/dukex/flowtrail/pkg/models"
	"github.com/dukex/flowtrail/pkg/persistence/file"
	"github.com/dukex/flowtrail/pkg/web"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProducer struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingProducer) Enqueue(_ context.Context, _ *models.FlowPayload, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.keys = append(p.keys, key)

	return true, nil
}

func setupTestApp(t *testing.T, bodyLimit int) (*fiber.App, *recordingProducer) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)

	producer := &recordingProducer{}
	api := NewAPI(
		logger,
		file.NewPersistence(t.TempDir()),
		store,
		cache.New(nil, store, logger),
		producer,
		nil,
		nil,
		bodyLimit,
	)

	return api.App(), producer
}

func request(t *testing.T, app *fiber.App, req *http.Request) (int, string) {
	t.Helper()

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestAPI_RootEndpoint(t *testing.T) {
	app, _ := setupTestApp(t, 0)

	status, body := request(t, app, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "flowtrail API", body)
}

func TestAPI_HealthEndpoints(t *testing.T) {
	app, _ := setupTestApp(t, 0)

	for _, path := range []string{"/livez", "/readyz", "/health"} {
		status, _ := request(t, app, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, status, path)
	}
}

func TestAPI_GetFlows_Empty(t *testing.T) {
	app, _ := setupTestApp(t, 0)

	status, body := request(t, app, httptest.NewRequest(http.MethodGet, "/flows", nil))
	require.Equal(t, http.StatusOK, status)

	var response web.ListFlowsResponse
	require.NoError(t, json.Unmarshal([]byte(body), &response))
	assert.Empty(t, response.Flows)
	assert.Equal(t, 0, response.Pagination.Total)
}

func TestAPI_CreateFlow(t *testing.T) {
	app, producer := setupTestApp(t, 0)

	payload := `{"flow":{"name":"checkout","createdAt":"2026-01-01T00:00:00Z"},"steps":[]}`

	req := httptest.NewRequest(http.MethodPost, "/flows", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(web.IdempotencyKeyHeader, "key-1")

	status, body := request(t, app, req)
	assert.Equal(t, http.StatusAccepted, status, body)
	assert.Equal(t, []string{"key-1"}, producer.keys)
}
