package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/model"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("avg_duration_ms = %f, want 0", stats.AvgDurationMS)
	}
	if stats.Workers != 1 || stats.Available != 1 {
		t.Errorf("workers = %d available = %d, want 1/1", stats.Workers, stats.Available)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	for range 3 {
		c := createPendingConversion(t, srv)
		started := time.Now().UTC()
		wait := int64(20)
		if err := srv.store.UpdateConversion(ctx, &model.Conversion{
			ID: c.ID, Status: model.StatusRunning, WorkerID: "worker-0",
			StartedAt: &started, QueueWaitMS: &wait,
		}); err != nil {
			t.Fatalf("pending→running: %v", err)
		}
		dur := int64(100)
		finished := time.Now().UTC()
		if err := srv.store.UpdateConversion(ctx, &model.Conversion{
			ID: c.ID, Status: model.StatusCompleted,
			Output: []byte("%PDF"), OutputSize: 4,
			DurationMS: &dur, FinishedAt: &finished,
		}); err != nil {
			t.Fatalf("running→completed: %v", err)
		}
	}

	// One rejected conversion to a different format.
	r := &model.Conversion{
		ID: model.NewID(), Status: model.StatusPending,
		Filename: "sheet.xlsx", SourceFormat: "xlsx", TargetFormat: "csv",
		CreatedAt: time.Now().UTC(),
	}
	if err := srv.store.CreateConversion(ctx, r); err != nil {
		t.Fatalf("CreateConversion: %v", err)
	}
	if err := srv.store.UpdateConversionStatus(ctx, r.ID, model.StatusRejected); err != nil {
		t.Fatalf("pending→rejected: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.ByStatus["completed"] != 3 {
		t.Errorf("by_status[completed] = %d, want 3", stats.ByStatus["completed"])
	}
	if stats.ByStatus["rejected"] != 1 {
		t.Errorf("by_status[rejected] = %d, want 1", stats.ByStatus["rejected"])
	}
	if stats.ByTargetFormat["pdf"] != 3 || stats.ByTargetFormat["csv"] != 1 {
		t.Errorf("by_target_format = %v", stats.ByTargetFormat)
	}
	if stats.AvgDurationMS != 100 {
		t.Errorf("avg_duration_ms = %f, want 100", stats.AvgDurationMS)
	}
	if stats.AvgQueueWaitMS != 20 {
		t.Errorf("avg_queue_wait_ms = %f, want 20", stats.AvgQueueWaitMS)
	}
	if stats.TotalOutputBytes != 12 {
		t.Errorf("total_output_bytes = %d, want 12", stats.TotalOutputBytes)
	}
}
