package observe

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

func TestInitProvider_PublishesDeployment(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "1.2.3",
		InstanceID:     "node-a",
		Persona:        "gaming",
		S2SProvider:    "gemini-live",
		LabsEnabled:    true,
		Registerer:     reg,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordBreakerTransition(context.Background(), "maps", "open")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	labels := map[string]string{}
	sawBreaker := false
	for _, mf := range families {
		switch mf.GetName() {
		case "target_info":
			for _, lp := range mf.GetMetric()[0].GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
		case "doctorai_breaker_transitions_total":
			sawBreaker = true
		}
	}

	want := map[string]string{
		"service_name":          "doctorai",
		"service_version":       "1.2.3",
		"service_instance_id":   "node-a",
		"doctorai_persona":      "gaming",
		"doctorai_s2s_provider": "gemini-live",
		"doctorai_labs_enabled": "true",
	}
	for k, v := range want {
		if labels[k] != v {
			t.Errorf("target_info %s = %q, want %q", k, labels[k], v)
		}
	}
	if !sawBreaker {
		t.Error("breaker transitions were not exported to the registry")
	}
}

func TestInitProvider_OmitsUnsetDeployment(t *testing.T) {
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{Registerer: reg})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "target_info" {
			continue
		}
		for _, lp := range mf.GetMetric()[0].GetLabel() {
			switch lp.GetName() {
			case "doctorai_persona", "doctorai_s2s_provider":
				t.Errorf("unset %s exported as %q", lp.GetName(), lp.GetValue())
			case "service_instance_id":
				if lp.GetValue() == "" {
					t.Error("instance ID was not generated")
				}
			}
		}
	}
}
