package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clusterforge/hatest/internal/scheduler"
)

func validScheduleRequest() ScheduleRequest {
	return ScheduleRequest{
		Name:           "nightly",
		CronExpression: "0 2 * * *",
		Timezone:       "Europe/Berlin",
		WorkspaceIDs:   []string{"ws1", "ws2"},
		TestGroup:      "HA_DB_HANA",
	}
}

func TestCreateSchedule(t *testing.T) {
	env := newTestEnv()

	rec := env.do(t, http.MethodPost, "/schedules", validScheduleRequest())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	resp := decodeJSON[ScheduleResponse](t, rec)
	if !resp.Enabled {
		t.Fatal("schedule not enabled by default")
	}
	if resp.NextRunTime == "" {
		t.Fatal("enabled schedule has no next_run_time")
	}
	if len(resp.WorkspaceIDs) != 2 {
		t.Fatalf("workspace ids = %v", resp.WorkspaceIDs)
	}
}

func TestCreateSchedule_DisabledHasNoNextRun(t *testing.T) {
	env := newTestEnv()

	req := validScheduleRequest()
	disabled := false
	req.Enabled = &disabled

	rec := env.do(t, http.MethodPost, "/schedules", req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeJSON[ScheduleResponse](t, rec)
	if resp.Enabled || resp.NextRunTime != "" {
		t.Fatalf("disabled schedule = %+v", resp)
	}
}

func TestCreateSchedule_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ScheduleRequest)
	}{
		{"missing name", func(r *ScheduleRequest) { r.Name = "" }},
		{"missing cron", func(r *ScheduleRequest) { r.CronExpression = "" }},
		{"malformed cron", func(r *ScheduleRequest) { r.CronExpression = "every tuesday" }},
		{"six field cron", func(r *ScheduleRequest) { r.CronExpression = "0 0 2 * * *" }},
		{"bad timezone", func(r *ScheduleRequest) { r.Timezone = "Mars/Olympus" }},
		{"no workspaces", func(r *ScheduleRequest) { r.WorkspaceIDs = nil }},
		{"empty workspace id", func(r *ScheduleRequest) { r.WorkspaceIDs = []string{"ws1", ""} }},
		{"no tests", func(r *ScheduleRequest) { r.TestGroup = ""; r.TestIDs = nil }},
	}

	env := newTestEnv()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validScheduleRequest()
			tt.mutate(&req)
			rec := env.do(t, http.MethodPost, "/schedules", req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestScheduleLifecycle(t *testing.T) {
	env := newTestEnv()

	created := decodeJSON[ScheduleResponse](t, env.do(t, http.MethodPost, "/schedules", validScheduleRequest()))
	id := created.ID

	rec := env.do(t, http.MethodGet, "/schedules/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/schedules", nil)
	if resp := decodeJSON[ListSchedulesResponse](t, rec); len(resp.Schedules) != 1 {
		t.Fatalf("list = %d schedules, want 1", len(resp.Schedules))
	}

	// Disable via update: next_run_time must clear.
	update := validScheduleRequest()
	disabled := false
	update.Enabled = &disabled
	rec = env.do(t, http.MethodPut, "/schedules/"+id, update)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d, body %s", rec.Code, rec.Body.String())
	}
	updated := decodeJSON[ScheduleResponse](t, rec)
	if updated.Enabled || updated.NextRunTime != "" {
		t.Fatalf("disabled update = %+v", updated)
	}

	rec = env.do(t, http.MethodGet, "/schedules?enabled=true", nil)
	if resp := decodeJSON[ListSchedulesResponse](t, rec); len(resp.Schedules) != 0 {
		t.Fatalf("enabled-only list = %d schedules, want 0", len(resp.Schedules))
	}

	rec = env.do(t, http.MethodDelete, "/schedules/"+id, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/schedules/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("double delete: status = %d, want 404", rec.Code)
	}
}

func TestUpdateSchedule_ReenableRecomputesNextRun(t *testing.T) {
	env := newTestEnv()

	req := validScheduleRequest()
	disabled := false
	req.Enabled = &disabled
	created := decodeJSON[ScheduleResponse](t, env.do(t, http.MethodPost, "/schedules", req))

	enable := validScheduleRequest()
	enabled := true
	enable.Enabled = &enabled
	rec := env.do(t, http.MethodPut, "/schedules/"+created.ID, enable)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	updated := decodeJSON[ScheduleResponse](t, rec)
	if updated.NextRunTime == "" {
		t.Fatal("re-enabled schedule has no next_run_time")
	}
	next, err := time.Parse(time.RFC3339, updated.NextRunTime)
	if err != nil {
		t.Fatalf("parse next_run_time: %v", err)
	}
	if !next.After(time.Now().UTC()) {
		t.Fatalf("next_run_time %v is in the past", next)
	}

	// Persisted, not just echoed.
	sid, _ := uuid.Parse(created.ID)
	stored, _ := env.store.GetSchedule(context.Background(), sid)
	if stored.NextRunTime == nil {
		t.Fatal("next_run_time not persisted")
	}
}

func TestTriggerSchedule(t *testing.T) {
	env := newTestEnv()
	id := uuid.New()

	env.trigger.ids = []uuid.UUID{uuid.New(), uuid.New()}
	rec := env.do(t, http.MethodPost, "/schedules/"+id.String()+"/trigger", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decodeJSON[TriggerResponse](t, rec); len(resp.JobIDs) != 2 {
		t.Fatalf("job ids = %v", resp.JobIDs)
	}

	env.trigger.ids = nil
	env.trigger.err = scheduler.ErrScheduleNotFound
	if rec := env.do(t, http.MethodPost, "/schedules/"+id.String()+"/trigger", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown: status = %d, want 404", rec.Code)
	}

	env.trigger.err = scheduler.ErrScheduleDisabled
	if rec := env.do(t, http.MethodPost, "/schedules/"+id.String()+"/trigger", nil); rec.Code != http.StatusConflict {
		t.Fatalf("disabled: status = %d, want 409", rec.Code)
	}
}
