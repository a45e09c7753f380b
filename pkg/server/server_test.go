package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/dca-executor/pkg/discovery"
	"github.com/speedrun-hq/dca-executor/pkg/models"
	"github.com/speedrun-hq/dca-executor/pkg/queue"
	"github.com/speedrun-hq/dca-executor/pkg/runner"
)

type stubRunner struct {
	discoverOpts discovery.DiscoverOptions
	discoverErr  error
	executeReq   runner.ExecuteRequest
	executeRes   *runner.ExecuteResult
	executeErr   error
	resetOK      bool
	resets       int
}

func (s *stubRunner) Discover(ctx context.Context, opts discovery.DiscoverOptions) (*discovery.Result, error) {
	s.discoverOpts = opts
	if s.discoverErr != nil {
		return nil, s.discoverErr
	}
	return &discovery.Result{
		Orders:        []models.EligibleOrder{{Order: models.Order{ID: "0x01"}}},
		TotalEligible: 1,
		HasMore:       true,
		NextCursor:    "120:0",
	}, nil
}

func (s *stubRunner) Execute(ctx context.Context, req runner.ExecuteRequest) (*runner.ExecuteResult, error) {
	s.executeReq = req
	return s.executeRes, s.executeErr
}

func (s *stubRunner) Status() runner.Status {
	return runner.Status{BatchSize: 4}
}

func (s *stubRunner) ResetCircuit() bool {
	s.resets++
	return s.resetOK
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReady(t *testing.T) {
	s := New(Config{APIKey: "secret"}, &stubRunner{}, stubPinger{}, nil)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = do(t, h, http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	down := New(Config{}, &stubRunner{}, stubPinger{err: errors.New("dial tcp: connection refused")}, nil)
	rec = do(t, down.Handler(), http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestAuth(t *testing.T) {
	s := New(Config{APIKey: "secret"}, &stubRunner{}, nil, nil)
	h := s.Handler()

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"valid key", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	// no key configured means open access
	open := New(Config{}, &stubRunner{}, nil, nil)
	assert.Equal(t, http.StatusOK, do(t, open.Handler(), http.MethodGet, "/status", "", "").Code)
}

func TestStatus(t *testing.T) {
	s := New(Config{}, &stubRunner{}, nil, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status runner.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 4, status.BatchSize)
}

func TestDiscover(t *testing.T) {
	r := &stubRunner{}
	s := New(Config{}, r, nil, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/discover", `{"limit":5,"cursor":"200:3","filters":{"owner":"0xAbC"}}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, r.discoverOpts.Limit)
	assert.Equal(t, "200:3", r.discoverOpts.Cursor)
	assert.Equal(t, "0xAbC", r.discoverOpts.Filters.Owner)

	var res discovery.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.HasMore)
	assert.Equal(t, "120:0", res.NextCursor)
	require.Len(t, res.Orders, 1)
	assert.Equal(t, "0x01", res.Orders[0].ID)

	t.Run("empty body", func(t *testing.T) {
		rec := do(t, s.Handler(), http.MethodPost, "/discover", "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 0, r.discoverOpts.Limit)
	})

	t.Run("bad body", func(t *testing.T) {
		rec := do(t, s.Handler(), http.MethodPost, "/discover", "{", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("negative limit", func(t *testing.T) {
		rec := do(t, s.Handler(), http.MethodPost, "/discover", `{"limit":-1}`, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("ledger error", func(t *testing.T) {
		failing := New(Config{}, &stubRunner{discoverErr: errors.New("rpc down")}, nil, nil)
		rec := do(t, failing.Handler(), http.MethodPost, "/discover", "", "")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Contains(t, rec.Body.String(), "rpc down")
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := do(t, s.Handler(), http.MethodGet, "/discover", "", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestExecute(t *testing.T) {
	batch := &models.BatchResult{Total: 2, Succeeded: 1, Failed: 1, Results: []models.ExecutionResult{
		{OrderID: "0x01", Success: true, TxID: "0xabc"},
		{OrderID: "0x02", Error: "InsufficientGas"},
	}}

	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"success", nil, http.StatusOK},
		{"batch running", runner.ErrBatchInProgress, http.StatusConflict},
		{"shut down", runner.ErrClosed, http.StatusServiceUnavailable},
		{"stopped mid batch", queue.ErrShutdown, http.StatusServiceUnavailable},
		{"deadline", queue.ErrBatchTimeout, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &stubRunner{executeRes: &runner.ExecuteResult{BatchSize: 4, Batch: batch}, executeErr: tt.err}
			s := New(Config{}, r, nil, nil)

			rec := do(t, s.Handler(), http.MethodPost, "/execute", "", "")
			assert.Equal(t, tt.wantCode, rec.Code)
			// partial results are the default over HTTP
			assert.True(t, r.executeReq.ReturnPartial)

			if tt.err == nil {
				var res runner.ExecuteResult
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
				require.NotNil(t, res.Batch)
				assert.Equal(t, 1, res.Batch.Succeeded)
				assert.Equal(t, "InsufficientGas", res.Batch.Results[1].Error)
			} else {
				assert.Contains(t, rec.Body.String(), tt.err.Error())
			}
		})
	}

	t.Run("request body", func(t *testing.T) {
		r := &stubRunner{executeRes: &runner.ExecuteResult{}}
		s := New(Config{}, r, nil, nil)
		rec := do(t, s.Handler(), http.MethodPost, "/execute", `{"limit":2,"returnPartial":false,"filters":{"outputType":"0xdef"}}`, "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 2, r.executeReq.Limit)
		assert.False(t, r.executeReq.ReturnPartial)
		assert.Equal(t, "0xdef", r.executeReq.Filters.OutputType)
	})
}

func TestCircuitReset(t *testing.T) {
	r := &stubRunner{resetOK: true}
	s := New(Config{APIKey: "secret"}, r, nil, nil)

	rec := do(t, s.Handler(), http.MethodPost, "/circuit/reset", "", "secret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, r.resets)

	rec = do(t, s.Handler(), http.MethodPost, "/circuit/reset", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 1, r.resets)

	none := New(Config{}, &stubRunner{}, nil, nil)
	rec = do(t, none.Handler(), http.MethodPost, "/circuit/reset", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := New(Config{}, &stubRunner{}, nil, nil)
	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
