package dispatcher

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleSubmitJobCreatesJob(t *testing.T) {
	store := newTestStore(t)
	d := New(store, map[string]Runner{KindIaCPlan: &fakeRunner{}}, nil)
	h := NewHandler(store, d)

	body, _ := json.Marshal(submitJobRequest{DeploymentID: "dep-1", Kind: KindIaCPlan, Payload: "{}"})
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.HandleSubmitJob(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var job Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.DeploymentID != "dep-1" || job.Kind != KindIaCPlan {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestHandleGetJobReturns404ForUnknownJob(t *testing.T) {
	store := newTestStore(t)
	d := New(store, map[string]Runner{}, nil)
	h := NewHandler(store, d)

	req := httptest.NewRequest(http.MethodGet, "/jobs/missing", nil)
	rec := httptest.NewRecorder()

	h.HandleGetJob(rec, req, "missing")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleCancelJobOnUnknownJobIsNoop(t *testing.T) {
	store := newTestStore(t)
	d := New(store, map[string]Runner{}, nil)
	h := NewHandler(store, d)

	req := httptest.NewRequest(http.MethodPost, "/jobs/missing/cancel", nil)
	rec := httptest.NewRecorder()

	h.HandleCancelJob(rec, req, "missing")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
