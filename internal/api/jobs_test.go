package api

import (
	"net/http"
	"testing"

	"github.com/clawinfra/sandboxgate/internal/scheduler"
	"github.com/clawinfra/sandboxgate/internal/security"
	"github.com/clawinfra/sandboxgate/internal/terminal"
)

func withScheduler(t *testing.T, e *testEnv) *scheduler.Scheduler {
	t.Helper()
	sched := scheduler.NewScheduler(e.events, nil, testLogger())
	if err := sched.SetDigestSchedule("0 9 * * *"); err != nil {
		t.Fatalf("SetDigestSchedule: %v", err)
	}
	e.server.SetScheduler(sched)
	return sched
}

func TestJobs_AdminOnly(t *testing.T) {
	e := newTestServer(t, Options{JWTSecret: testSecret}, terminal.Options{})
	withScheduler(t, e)

	if w := e.do(t, http.MethodGet, "/api/admin/jobs", "", token(t, "alice", security.RoleDeveloper), nil); w.Code != http.StatusForbidden {
		t.Errorf("developer: expected 403, got %d", w.Code)
	}

	w := e.do(t, http.MethodGet, "/api/admin/jobs", "", token(t, "root", security.RoleAdmin), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("admin: expected 200, got %d", w.Code)
	}
	if resp := decode[map[string]any](t, w); resp["count"] != float64(1) {
		t.Errorf("count = %v", resp["count"])
	}
}

func TestJobs_DevModeForbidden(t *testing.T) {
	e := devServer(t)
	withScheduler(t, e)
	if w := e.do(t, http.MethodGet, "/api/admin/jobs", "alice", "", nil); w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestJobs_NoScheduler(t *testing.T) {
	e := newTestServer(t, Options{JWTSecret: testSecret}, terminal.Options{})
	if w := e.do(t, http.MethodGet, "/api/admin/jobs", "", token(t, "root", security.RoleAdmin), nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestJobs_GetUpdateRun(t *testing.T) {
	e := newTestServer(t, Options{JWTSecret: testSecret}, terminal.Options{})
	sched := withScheduler(t, e)
	admin := token(t, "root", security.RoleAdmin)

	w := e.do(t, http.MethodGet, "/api/admin/jobs/"+scheduler.DigestJobID, "", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}
	if job := decode[*scheduler.Job](t, w); !job.Enabled || job.Schedule.Expr != "0 9 * * *" {
		t.Errorf("job = %+v", job)
	}

	if w := e.do(t, http.MethodGet, "/api/admin/jobs/missing", "", admin, nil); w.Code != http.StatusNotFound {
		t.Errorf("missing job: expected 404, got %d", w.Code)
	}

	off := false
	w = e.do(t, http.MethodPatch, "/api/admin/jobs/"+scheduler.DigestJobID, "", admin, map[string]*bool{"enabled": &off})
	if w.Code != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if job, _ := sched.GetJob(scheduler.DigestJobID); job.Enabled {
		t.Error("job still enabled after patch")
	}

	e.do(t, http.MethodPost, "/api/check/command", "", token(t, "alice", security.RoleTester), CheckRequest{Command: "sudo id"})

	w = e.do(t, http.MethodPost, "/api/admin/jobs/"+scheduler.DigestJobID+"/run", "", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("run: expected 200, got %d", w.Code)
	}
	resp := decode[struct {
		JobID string             `json:"job_id"`
		State scheduler.JobState `json:"state"`
	}](t, w)
	if resp.State.RunCount != 1 || resp.State.LastError != "" {
		t.Errorf("state = %+v", resp.State)
	}

	if w := e.do(t, http.MethodPost, "/api/admin/jobs/missing/run", "", admin, nil); w.Code != http.StatusNotFound {
		t.Errorf("run missing: expected 404, got %d", w.Code)
	}
}
