package microvm

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsRegistered(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	expected := []string{
		"anvil_microvm_boot_seconds",
		"anvil_microvm_active",
		"anvil_microvm_cleanup_seconds",
		"anvil_microvm_starts_total",
	}

	found := make(map[string]bool)
	for _, fam := range families {
		found[fam.GetName()] = true
	}
	for _, name := range expected {
		if !found[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestStartsTotalPreinitialized(t *testing.T) {
	fam := findFamily(t, "anvil_microvm_starts_total")
	results := map[string]bool{}
	for _, m := range fam.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "result" {
				results[l.GetValue()] = true
			}
		}
	}
	if !results[resultReady] || !results[resultFailed] {
		t.Errorf("result labels = %v, want ready and failed", results)
	}
}

func TestActiveVMsGauge(t *testing.T) {
	activeVMs.Set(0)
	activeVMs.Inc()
	activeVMs.Inc()
	activeVMs.Dec()

	fam := findFamily(t, "anvil_microvm_active")
	if got := fam.GetMetric()[0].GetGauge().GetValue(); got != 1 {
		t.Errorf("active gauge = %f, want 1", got)
	}
	activeVMs.Set(0)
}

func findFamily(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == name {
			return fam
		}
	}
	t.Fatalf("metric family %q not found", name)
	return nil
}
