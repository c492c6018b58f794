package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestProberLiveness(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	prober := NewProber(time.Second)
	if err := prober.Liveness(context.Background(), srv.URL); err != nil {
		t.Fatalf("Liveness returned error: %v", err)
	}
}

func TestProberLivenessRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	prober := NewProber(time.Second)
	if err := prober.Liveness(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 503 liveness response")
	}
}

func TestProberReadinessDecodesReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/readyz" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"liveness":true,"readiness":true,"success_rate":0.98,"window_samples":120}`))
	}))
	defer srv.Close()

	prober := NewProber(time.Second)
	status, err := prober.Readiness(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Readiness returned error: %v", err)
	}
	if !status.Readiness || status.SuccessRate != 0.98 || status.WindowSamples != 120 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestProberReadinessTreats503AsReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"liveness":true,"readiness":false,"success_rate":1}`))
	}))
	defer srv.Close()

	prober := NewProber(time.Second)
	status, err := prober.Readiness(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Readiness returned error for 503: %v", err)
	}
	if status.Readiness {
		t.Fatal("expected not-ready status from 503 report")
	}
}

func TestProberReadinessRejectsUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	prober := NewProber(time.Second)
	if _, err := prober.Readiness(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 404 readiness response")
	}
}
