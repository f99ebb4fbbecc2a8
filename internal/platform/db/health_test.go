package db

import (
	"encoding/json"
	"testing"
)

func TestHealthReport_JSON(t *testing.T) {
	report := HealthReport{
		Status:        "healthy",
		Schema:        "public",
		SchemaVersion: 2,
		Pool:          PoolStats{TotalConns: 4, IdleConns: 3, AcquiredConns: 1, MaxConns: 20, AcquireDuration: "250ms"},
	}

	b, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got["schema_version"] != float64(2) {
		t.Errorf("expected schema_version 2, got %v", got["schema_version"])
	}
	if _, ok := got["error"]; ok {
		t.Error("expected error to be omitted when healthy")
	}
	pool, ok := got["pool"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected pool object, got %v", got["pool"])
	}
	for _, key := range []string{"total_conns", "idle_conns", "acquired_conns", "max_conns", "acquire_duration"} {
		if _, ok := pool[key]; !ok {
			t.Errorf("expected key %q in pool stats", key)
		}
	}
}

func TestHealthReport_Healthy(t *testing.T) {
	for status, want := range map[string]bool{"healthy": true, "degraded": false, "unhealthy": false} {
		if got := (HealthReport{Status: status}).Healthy(); got != want {
			t.Errorf("%s: expected %v, got %v", status, want, got)
		}
	}
}
