package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	apphttp "nald_import/internal/http"
	"nald_import/internal/http/router"
	"nald_import/internal/pipeline"
	"nald_import/internal/target"
	"nald_import/platform/logger"
	"nald_import/platform/validator"

	"github.com/gin-gonic/gin"
)

type fakeRuns struct {
	stage string
	limit int
}

func (f *fakeRuns) RecentRuns(_ context.Context, stage string, limit int) ([]target.RunRecord, error) {
	f.stage, f.limit = stage, limit
	return []target.RunRecord{{ID: 1, Stage: "nald.snapshot", Succeeded: true}}, nil
}

type testServer struct {
	engine  *gin.Engine
	queue   *pipeline.MemoryQueue
	runs    *fakeRuns
	release chan struct{}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	release := make(chan struct{})
	graph, err := pipeline.NewGraph(
		pipeline.Stage{Name: "nald.snapshot", Next: []string{"nald.licence"}, Handler: func(ctx context.Context, _ pipeline.Job) (pipeline.Outcome, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return pipeline.Outcome{Halt: true}, nil
		}},
		pipeline.Stage{Name: "nald.licence", FanOut: true, Handler: func(context.Context, pipeline.Job) (pipeline.Outcome, error) {
			return pipeline.Outcome{}, nil
		}},
	)
	if err != nil {
		t.Fatalf("unexpected graph error: %v", err)
	}
	queue := pipeline.NewMemoryQueue(logger.Discard())
	orch := pipeline.NewOrchestrator(graph, queue, nil, pipeline.Settings{}, logger.Discard())
	if err := orch.Register(); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	runs := &fakeRuns{}
	engine := router.New(&apphttp.App{
		Logger:  logger.Discard(),
		Modules: []apphttp.Module{NewModule(orch, runs, validator.New())},
	})
	s := &testServer{engine: engine, queue: queue, runs: runs, release: release}
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
		queue.Wait()
		queue.Close()
	})
	return s
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func TestTriggerAcceptsAndReportsHeldKey(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/v1/stages/nald.snapshot/trigger", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var first TriggerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &first); err != nil {
		t.Fatalf("unexpected body: %v", err)
	}
	if first.JobID == "" || first.SingletonKey != "nald.snapshot" || first.AlreadyQueued {
		t.Fatalf("unexpected response %+v", first)
	}

	w = s.do(http.MethodPost, "/api/v1/stages/nald.snapshot/trigger", "")
	var second TriggerResponse
	_ = json.Unmarshal(w.Body.Bytes(), &second)
	if w.Code != http.StatusAccepted || !second.AlreadyQueued {
		t.Fatalf("expected held key reported as already queued, got %d %+v", w.Code, second)
	}
}

func TestTriggerErrors(t *testing.T) {
	s := newTestServer(t)

	if w := s.do(http.MethodPost, "/api/v1/stages/nald.unknown/trigger", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown stage, got %d", w.Code)
	}
	if w := s.do(http.MethodPost, "/api/v1/stages/nald.licence/trigger", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a fan-out stage without param, got %d", w.Code)
	}
	if w := s.do(http.MethodPost, "/api/v1/stages/nald.licence/trigger", `{"param":`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed body, got %d", w.Code)
	}
	if w := s.do(http.MethodPost, "/api/v1/stages/nald.licence/trigger", `{"param":"01/123"}`); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for a fan-out stage with param, got %d", w.Code)
	}
}

func TestDeleteQueue(t *testing.T) {
	s := newTestServer(t)

	if w := s.do(http.MethodDelete, "/api/v1/stages/nald.licence/queue", ""); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if w := s.do(http.MethodDelete, "/api/v1/stages/nald.unknown/queue", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListStagesAndStatus(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/api/v1/stages", "")
	var stages []StageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &stages); err != nil || len(stages) != 2 {
		t.Fatalf("unexpected stages %s (%v)", w.Body.String(), err)
	}
	if stages[0].Name != "nald.snapshot" || stages[0].Next[0] != "nald.licence" || !stages[1].FanOut {
		t.Fatalf("unexpected stage table %+v", stages)
	}

	s.do(http.MethodPost, "/api/v1/stages/nald.snapshot/trigger", "")
	close(s.release)
	s.queue.Wait()

	w = s.do(http.MethodGet, "/api/v1/status", "")
	var runs []pipeline.Run
	if err := json.Unmarshal(w.Body.Bytes(), &runs); err != nil {
		t.Fatalf("unexpected status body: %v", err)
	}
	if len(runs) != 1 || runs[0].State != pipeline.StateSucceeded || !runs[0].Halted {
		t.Fatalf("expected one halted success, got %+v", runs)
	}
}

func TestListRunsValidatesLimit(t *testing.T) {
	s := newTestServer(t)

	if w := s.do(http.MethodGet, "/api/v1/runs?limit=1000", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an oversized limit, got %d", w.Code)
	}
	w := s.do(http.MethodGet, "/api/v1/runs?stage=nald.snapshot", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if s.runs.stage != "nald.snapshot" || s.runs.limit != defaultRunsLimit {
		t.Fatalf("unexpected query %q/%d", s.runs.stage, s.runs.limit)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	if w := s.do(http.MethodGet, "/api/health", ""); w.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", w.Code)
	}
	s.do(http.MethodPost, "/api/v1/stages/nald.licence/trigger", `{"param":"01/1"}`)
	w := s.do(http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "nald_import_jobs_published_total") {
		t.Fatalf("expected pipeline metrics exposed, got %d", w.Code)
	}
}
