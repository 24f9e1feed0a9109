package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"marketsync/internal/config"
	"marketsync/internal/models"
	"marketsync/internal/queue"
	"marketsync/internal/ratelimit"
	"marketsync/internal/store"
)

type fakeStatusStore struct {
	logs      map[string]models.SyncLog
	leases    map[string]bool
	pending   []models.PendingReport
	counts    []store.ReportStatusCount
	cancelled int
	reset     bool
}

func newFakeStatusStore() *fakeStatusStore {
	return &fakeStatusStore{logs: map[string]models.SyncLog{}, leases: map[string]bool{}}
}

func (s *fakeStatusStore) LastSyncLog(_ context.Context, syncType string) (models.SyncLog, bool, error) {
	entry, ok := s.logs[syncType]
	return entry, ok, nil
}

func (s *fakeStatusStore) CancelRunningSyncLogs(context.Context) (int, error) {
	s.cancelled++
	return 2, nil
}

func (s *fakeStatusStore) ResetConnectionStatus(context.Context) error {
	s.reset = true
	return nil
}

func (s *fakeStatusStore) LeaseHeld(_ context.Context, name string, _ time.Duration) (bool, error) {
	return s.leases[name], nil
}

func (s *fakeStatusStore) CountReports(context.Context) ([]store.ReportStatusCount, error) {
	return s.counts, nil
}

func (s *fakeStatusStore) PendingReports(context.Context, string) ([]models.PendingReport, error) {
	return s.pending, nil
}

type fakeSweeper struct {
	expired, purged int
}

func (s *fakeSweeper) Sweep(context.Context) (int, int, error) {
	return s.expired, s.purged, nil
}

func newTestServer(t *testing.T, st *fakeStatusStore) (*Server, *queue.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	queues := queue.New(client, queue.Policy{})
	limiter := ratelimit.NewTriggerLimiter(client, 2, 0, time.Minute)
	cfg := config.Load()
	return New(cfg, st, queues, limiter, &fakeSweeper{expired: 1, purged: 3}), queues, mr
}

func TestTrigger_EnqueuesOneShotJob(t *testing.T) {
	srv, queues, _ := newTestServer(t, newFakeStatusStore())

	req := httptest.NewRequest(http.MethodPost, "/sync/trigger?type=orders", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Jobs map[string]string `json:"jobs"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Jobs["orders"] == "" {
		t.Fatalf("expected a job id for orders: %v", resp.Jobs)
	}
	ready, _, err := queues.Queue("orders").Depth(context.Background())
	if err != nil || ready != 1 {
		t.Fatalf("expected one ready job, got %d (%v)", ready, err)
	}
}

func TestTrigger_UnknownTypeRejected(t *testing.T) {
	srv, _, _ := newTestServer(t, newFakeStatusStore())

	req := httptest.NewRequest(http.MethodPost, "/sync/trigger?type=bogus", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestTrigger_ConflictWhileRunInFlight(t *testing.T) {
	st := newFakeStatusStore()
	st.leases["run:orders"] = true
	srv, queues, _ := newTestServer(t, st)

	req := httptest.NewRequest(http.MethodPost, "/sync/trigger?type=orders", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d", rr.Code)
	}
	ready, _, _ := queues.Queue("orders").Depth(context.Background())
	if ready != 0 {
		t.Fatalf("no job should be enqueued while the run lease is held")
	}
}

func TestTrigger_AllSkipsHeldDomains(t *testing.T) {
	st := newFakeStatusStore()
	st.leases["run:inventory"] = true
	srv, _, _ := newTestServer(t, st)

	req := httptest.NewRequest(http.MethodPost, "/sync/trigger?type=all", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Jobs    map[string]string `json:"jobs"`
		Skipped []string          `json:"skipped"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Skipped) != 1 || resp.Skipped[0] != "inventory" {
		t.Fatalf("skipped = %v", resp.Skipped)
	}
	if _, ok := resp.Jobs["inventory"]; ok {
		t.Fatalf("held domain must not be enqueued")
	}
	if _, ok := resp.Jobs["orders"]; !ok {
		t.Fatalf("free domains should be enqueued: %v", resp.Jobs)
	}
}

func TestTrigger_RateLimited(t *testing.T) {
	srv, _, _ := newTestServer(t, newFakeStatusStore())
	router := srv.Router()

	// Bucket capacity is 2 with zero refill.
	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/sync/trigger?type=orders", nil))
		if rr.Code != http.StatusAccepted {
			t.Fatalf("request %d: status = %d", i, rr.Code)
		}
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/sync/trigger?type=orders", nil))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestPendingReports_FlagsStuckRows(t *testing.T) {
	st := newFakeStatusStore()
	st.pending = []models.PendingReport{
		{ReportID: "R-old", Status: models.ReportPending, CreatedAt: time.Now().Add(-3 * time.Hour)},
		{ReportID: "R-new", Status: models.ReportPending, CreatedAt: time.Now().Add(-10 * time.Minute)},
	}
	srv, _, _ := newTestServer(t, st)

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/sync/reports/pending", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Reports []struct {
			ReportID   string `json:"report_id"`
			AgeSeconds int64  `json:"age_seconds"`
			Stuck      bool   `json:"stuck"`
		} `json:"reports"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Reports) != 2 {
		t.Fatalf("reports = %+v", resp.Reports)
	}
	if !resp.Reports[0].Stuck || resp.Reports[1].Stuck {
		t.Fatalf("stuck flags wrong: %+v", resp.Reports)
	}
	if resp.Reports[0].AgeSeconds < 10000 {
		t.Fatalf("age not populated: %+v", resp.Reports[0])
	}
}

func TestSweepEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, newFakeStatusStore())

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/sync/reports/sweep", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp map[string]int
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["expired"] != 1 || resp["purged"] != 3 {
		t.Fatalf("resp = %v", resp)
	}
}

func TestStop_RaisesFlagAndCancelsRuns(t *testing.T) {
	st := newFakeStatusStore()
	srv, queues, _ := newTestServer(t, st)

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/sync/stop", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if !queues.StopRequested(context.Background()) {
		t.Fatalf("stop flag not raised")
	}
	if st.cancelled != 1 || !st.reset {
		t.Fatalf("cancelled=%d reset=%v", st.cancelled, st.reset)
	}
}

func TestStatusEndpoint(t *testing.T) {
	st := newFakeStatusStore()
	st.logs["orders"] = models.SyncLog{ID: 1, SyncType: "orders", Status: models.SyncSuccess, StartedAt: time.Now()}
	st.counts = []store.ReportStatusCount{{ReportType: models.ReportTypeAdsCampaign, Status: models.ReportPending, Count: 1}}
	srv, queues, _ := newTestServer(t, st)

	if _, err := queues.Queue("orders").Enqueue(context.Background(), "orders", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/sync/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		Domains map[string]struct {
			LastRun *models.SyncLog `json:"last_run"`
			Ready   int64           `json:"ready"`
		} `json:"domains"`
		Reports []store.ReportStatusCount `json:"reports"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Domains) != 8 {
		t.Fatalf("expected 8 domains, got %d", len(resp.Domains))
	}
	if resp.Domains["orders"].LastRun == nil || resp.Domains["orders"].Ready != 1 {
		t.Fatalf("orders status = %+v", resp.Domains["orders"])
	}
	if len(resp.Reports) != 1 {
		t.Fatalf("reports = %+v", resp.Reports)
	}
}
