package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/wgvm/internal/auth"
	"github.com/terrpan/wgvm/internal/ledger"
	"github.com/terrpan/wgvm/internal/provider"
	"github.com/terrpan/wgvm/internal/provider/dryrun"
	"github.com/terrpan/wgvm/internal/session"
	"github.com/terrpan/wgvm/internal/upstream"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// Mock session service
// ---------------------------------------------------------------------------

type mockSession struct {
	mu          sync.Mutex
	startRes    *session.StartResult
	startErr    error
	statusRes   *session.Operation
	statusErr   error
	locations   []string
	tornDown    []string
	teardownErr error
}

func (m *mockSession) GetOrCreate(_ context.Context, location string) (*session.StartResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations = append(m.locations, location)
	return m.startRes, m.startErr
}

func (m *mockSession) gotLocations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.locations...)
}

func (m *mockSession) Status(_ context.Context, _ string) (*session.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusRes, m.statusErr
}

func (m *mockSession) Teardown(_ context.Context, id string) (*provider.TeardownReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.teardownErr != nil {
		return nil, m.teardownErr
	}
	m.tornDown = append(m.tornDown, id)
	return &provider.TeardownReport{Deleted: []string{id}, Failed: []string{id + "-fw"}}, nil
}

// ---------------------------------------------------------------------------
// Passthrough-mode suite
// ---------------------------------------------------------------------------

type PassthroughSuite struct {
	suite.Suite
	session *mockSession
	server  *Server
}

func (s *PassthroughSuite) SetupTest() {
	s.session = &mockSession{}
	s.server = New(Config{
		Mode:            ModePassthrough,
		Session:         s.session,
		Auth:            auth.NewValidator(true, nil),
		Logger:          discardLogger(),
		DefaultLocation: "europe-west1-b",
		ProviderName:    "dryrun",
	})
}

func TestPassthroughSuite(t *testing.T) {
	suite.Run(t, new(PassthroughSuite))
}

func (s *PassthroughSuite) do(method, target string) *httptest.ResponseRecorder {
	return s.doBody(method, target, "")
}

func (s *PassthroughSuite) doBody(method, target, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	w := httptest.NewRecorder()
	s.server.ServeHTTP(w, req)
	return w
}

func (s *PassthroughSuite) TestStartJob_Accepted() {
	s.session.startRes = &session.StartResult{
		OperationID: "wg-100",
		Status:      session.StatusCreating,
	}

	w := s.do("POST", "/api/start_job")
	require.Equal(s.T(), http.StatusAccepted, w.Code)
	assert.Equal(s.T(), "/api/job_status?id=wg-100", w.Header().Get("Location"))

	var resp startResponse
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(s.T(), "wg-100", resp.OperationID)
	assert.Equal(s.T(), "accepted", resp.Status)
	assert.Equal(s.T(), "/api/job_status?id=wg-100", resp.StatusQueryURL)
	assert.False(s.T(), resp.IsExisting)
}

func (s *PassthroughSuite) TestStartJob_BodyLocationWins() {
	s.session.startRes = &session.StartResult{
		OperationID: "wg-100",
		Status:      session.StatusCreating,
	}

	// The JSON body names the location; the query parameter and the
	// configured default must both lose to it.
	w := s.doBody("POST", "/api/start_job?location=us-central1-a",
		`{"location": "europe-west1-b"}`)
	require.Equal(s.T(), http.StatusAccepted, w.Code)
	assert.Equal(s.T(), []string{"europe-west1-b"}, s.session.gotLocations())
}

func (s *PassthroughSuite) TestStartJob_QueryLocationWithoutBody() {
	s.session.startRes = &session.StartResult{
		OperationID: "wg-100",
		Status:      session.StatusCreating,
	}

	w := s.do("POST", "/api/start_job?location=us-central1-a")
	require.Equal(s.T(), http.StatusAccepted, w.Code)
	assert.Equal(s.T(), []string{"us-central1-a"}, s.session.gotLocations())
}

func (s *PassthroughSuite) TestStartJob_EmptyBodyUsesDefault() {
	s.session.startRes = &session.StartResult{
		OperationID: "wg-100",
		Status:      session.StatusCreating,
	}

	w := s.doBody("POST", "/api/start_job", `{}`)
	require.Equal(s.T(), http.StatusAccepted, w.Code)
	assert.Equal(s.T(), []string{"europe-west1-b"}, s.session.gotLocations())
}

func (s *PassthroughSuite) TestStartJob_MalformedBodyIs400() {
	w := s.doBody("POST", "/api/start_job", `{"location": `)
	require.Equal(s.T(), http.StatusBadRequest, w.Code)
	assert.Contains(s.T(), w.Body.String(), "malformed request body")
	assert.Empty(s.T(), s.session.gotLocations(), "provisioning must not start on a bad request")
}

func (s *PassthroughSuite) TestStartJob_ExistingIncludesConnectionMaterial() {
	s.session.startRes = &session.StartResult{
		OperationID:   "wg-100",
		Status:        session.StatusSucceeded,
		IsExisting:    true,
		PublicAddress: "203.0.113.42",
		ClientConfig:  "[Interface]\n[Peer]\n",
	}

	w := s.do("POST", "/api/start_job")
	require.Equal(s.T(), http.StatusAccepted, w.Code)

	var resp startResponse
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(s.T(), resp.IsExisting)
	assert.Equal(s.T(), "203.0.113.42", resp.PublicAddress)
	assert.Contains(s.T(), resp.ClientConfig, "[Peer]")
}

func (s *PassthroughSuite) TestStartJob_ErrorBecomes500() {
	s.session.startErr = errors.New("quota exceeded")

	w := s.do("POST", "/api/start_job")
	require.Equal(s.T(), http.StatusInternalServerError, w.Code)
	assert.Contains(s.T(), w.Body.String(), "error")
	assert.NotContains(s.T(), w.Body.String(), "quota", "raw provider errors must not leak")
}

func (s *PassthroughSuite) TestJobStatus_MissingID() {
	w := s.do("GET", "/api/job_status")
	assert.Equal(s.T(), http.StatusBadRequest, w.Code)
}

func (s *PassthroughSuite) TestJobStatus_SetsCacheControl() {
	s.session.statusRes = &session.Operation{ID: "wg-1", Status: session.StatusInProgress}

	w := s.do("GET", "/api/job_status?id=wg-1")
	require.Equal(s.T(), http.StatusOK, w.Code)
	assert.Equal(s.T(), "no-cache, no-store, must-revalidate", w.Header().Get("Cache-Control"))
}

func (s *PassthroughSuite) TestJobStatus_NeverReturns404() {
	// Passthrough mode projects live state; an unknown id is reported
	// as still in progress by the session layer.
	s.session.statusRes = &session.Operation{
		ID:       "wg-unknown",
		Status:   session.StatusInProgress,
		Progress: "instance not yet visible",
	}

	w := s.do("GET", "/api/job_status?id=wg-unknown")
	assert.Equal(s.T(), http.StatusOK, w.Code)
}

func (s *PassthroughSuite) TestTeardown_ReportsPartialSuccess() {
	w := s.do("POST", "/api/teardown?id=wg-1")
	require.Equal(s.T(), http.StatusOK, w.Code)

	var resp struct {
		Status  string   `json:"status"`
		Deleted []string `json:"deleted"`
		Failed  []string `json:"failed"`
	}
	require.NoError(s.T(), json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(s.T(), "partial_success", resp.Status)
	assert.Equal(s.T(), []string{"wg-1"}, resp.Deleted)
	assert.Equal(s.T(), []string{"wg-1-fw"}, resp.Failed)
}

func (s *PassthroughSuite) TestTeardown_MissingID() {
	w := s.do("POST", "/api/teardown")
	assert.Equal(s.T(), http.StatusBadRequest, w.Code)
}

func (s *PassthroughSuite) TestCORS_Preflight() {
	w := s.do("OPTIONS", "/api/start_job")
	assert.Equal(s.T(), http.StatusNoContent, w.Code)
	assert.Equal(s.T(), "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(s.T(), w.Header().Get("Access-Control-Allow-Headers"), auth.HeaderPrincipal)
}

func (s *PassthroughSuite) TestCORS_OnRegularResponses() {
	s.session.statusRes = &session.Operation{ID: "wg-1", Status: session.StatusCreating}

	w := s.do("GET", "/api/job_status?id=wg-1")
	assert.Equal(s.T(), "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func (s *PassthroughSuite) TestHealthz() {
	w := s.do("GET", "/healthz")
	assert.Equal(s.T(), http.StatusOK, w.Code)
	assert.Contains(s.T(), w.Body.String(), "dryrun")
}

func (s *PassthroughSuite) TestMetrics() {
	w := s.do("GET", "/metrics")
	assert.Equal(s.T(), http.StatusOK, w.Code)
}

// ---------------------------------------------------------------------------
// Auth enforcement
// ---------------------------------------------------------------------------

func TestStartJob_RejectsUnauthenticated(t *testing.T) {
	srv := New(Config{
		Mode:    ModePassthrough,
		Session: &mockSession{},
		Auth:    auth.NewValidator(false, nil),
		Logger:  discardLogger(),
	})

	req := httptest.NewRequest("POST", "/api/start_job", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "not authorized")
}

func TestStartJob_AcceptsInvitedPrincipal(t *testing.T) {
	ms := &mockSession{startRes: &session.StartResult{
		OperationID: "wg-1",
		Status:      session.StatusCreating,
	}}
	srv := New(Config{
		Mode:    ModePassthrough,
		Session: ms,
		Auth:    auth.NewValidator(false, nil),
		Logger:  discardLogger(),
	})

	principal, err := json.Marshal(auth.Principal{
		UserID: "u1",
		Email:  "someone@example.com",
		Roles:  []string{auth.RoleInvited},
	})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/start_job", nil)
	req.Header.Set(auth.HeaderPrincipal, base64.StdEncoding.EncodeToString(principal))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
}

// ---------------------------------------------------------------------------
// Ledger mode
// ---------------------------------------------------------------------------

func TestLedgerMode_StartJobDelegatesToUpstream(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/start_job":
			json.NewEncoder(w).Encode(upstream.StartResponse{OperationID: "up-1", Status: "accepted"})
		case "/api/job_status":
			json.NewEncoder(w).Encode(upstream.StatusResponse{
				OperationID:   "up-1",
				Status:        upstream.JobCompleted,
				PublicAddress: "198.51.100.7",
				ClientConfig:  "[Interface]\n[Peer]\n",
			})
		}
	}))
	defer up.Close()

	store := ledger.NewStore()
	worker := ledger.NewWorker(ledger.WorkerConfig{
		Store:        store,
		Upstream:     upstream.New(up.URL, "key", discardLogger()),
		Logger:       discardLogger(),
		PollInterval: 5 * time.Millisecond,
		MaxPolls:     10,
	})
	defer worker.Close()

	srv := New(Config{
		Mode:   ModeLedger,
		Store:  store,
		Worker: worker,
		Auth:   auth.NewValidator(true, nil),
		Logger: discardLogger(),
	})

	req := httptest.NewRequest("POST", "/api/start_job", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	var started startResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	require.NotEmpty(t, started.OperationID)
	assert.Equal(t, "/api/job_status?id="+started.OperationID, w.Header().Get("Location"))

	assert.Eventually(t, func() bool {
		job, ok := store.Get(started.OperationID)
		return ok && job.Status == ledger.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLedgerMode_StatusUnknownIDIs404(t *testing.T) {
	store := ledger.NewStore()
	srv := New(Config{
		Mode:   ModeLedger,
		Store:  store,
		Auth:   auth.NewValidator(true, nil),
		Logger: discardLogger(),
	})

	req := httptest.NewRequest("GET", "/api/job_status?id=ghost", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLedgerMode_StatusKnownJob(t *testing.T) {
	store := ledger.NewStore()
	job := store.Create()
	require.NoError(t, store.Update(job.ID, ledger.StatusCompleted, "", &ledger.Result{
		PublicAddress: "198.51.100.7",
	}))

	srv := New(Config{
		Mode:   ModeLedger,
		Store:  store,
		Auth:   auth.NewValidator(true, nil),
		Logger: discardLogger(),
	})

	req := httptest.NewRequest("GET", "/api/job_status?id="+job.ID, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var got ledger.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, ledger.StatusCompleted, got.Status)
	assert.Equal(t, "198.51.100.7", got.Result.PublicAddress)
}

// ---------------------------------------------------------------------------
// End-to-end against the dry-run provider
// ---------------------------------------------------------------------------

func TestDryRunScenario(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Unix(1700000000, 0)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	prov := dryrun.New(discardLogger(), dryrun.WithClock(clock))
	mgr := session.New(session.Config{
		Provider:       prov,
		Logger:         discardLogger(),
		TTL:            time.Hour,
		CommandTimeout: time.Second,
		Clock:          clock,
	})
	defer mgr.Close()

	srv := New(Config{
		Mode:            ModePassthrough,
		Session:         mgr,
		Auth:            auth.NewValidator(true, nil),
		Logger:          discardLogger(),
		DefaultLocation: "local",
		ProviderName:    "dryrun",
	})

	// Start: a fresh instance begins Creating.
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("POST", "/api/start_job", nil))
	require.Equal(t, http.StatusAccepted, w.Code)

	var started startResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	assert.False(t, started.IsExisting)

	// A second start reuses the same instance.
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("POST", "/api/start_job", nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	var second startResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.True(t, second.IsExisting)
	assert.Equal(t, started.OperationID, second.OperationID)

	statusOf := func() session.Operation {
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, httptest.NewRequest("GET", "/api/job_status?id="+started.OperationID, nil))
		require.Equal(t, http.StatusOK, w.Code)
		var op session.Operation
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &op))
		return op
	}

	// Immediately after start the instance is still Creating.
	op := statusOf()
	assert.Equal(t, session.StatusCreating, op.Status)

	// Mid-boot the backend reports its raw "Running" state.
	advance(5 * time.Second)
	op = statusOf()
	assert.Equal(t, session.StatusInProgress, op.Status)
	assert.Equal(t, "Running", op.Progress)

	// Fully booted: Succeeded with complete connection material.
	advance(5 * time.Second)
	op = statusOf()
	require.Equal(t, session.StatusSucceeded, op.Status)
	require.NotNil(t, op.Result)
	assert.NotEmpty(t, op.Result.PublicAddress)
	assert.Contains(t, op.Result.ClientConfig, "[Interface]")
	assert.Contains(t, op.Result.ClientConfig, "[Peer]")

	// Teardown, then the next start creates a fresh instance.
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("POST", "/api/teardown?id="+started.OperationID, nil))
	require.Equal(t, http.StatusOK, w.Code)

	advance(time.Second)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest("POST", "/api/start_job", nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	var third startResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &third))
	assert.False(t, third.IsExisting)
	assert.NotEqual(t, started.OperationID, third.OperationID)
}
