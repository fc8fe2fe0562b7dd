package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitAndFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/analyses":
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("bad submit body: %v", err)
			}
			if body["pr_url"] != "https://git.example/pr/7" {
				t.Errorf("pr_url missing: %v", body)
			}
			json.NewEncoder(w).Encode(map[string]string{"analysis_id": "an-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/analyses/an-1":
			json.NewEncoder(w).Encode(map[string]any{
				"status":     "complete",
				"risk_level": "LOW",
				"clusters":   []string{"deps"},
				"confidence": 0.91,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second)
	id, err := c.Submit(context.Background(), "https://git.example/pr/7", Options{IncludeSuggestions: true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	res, err := c.FetchResult(context.Background(), id)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.RiskLevel != RiskLow || res.Confidence != 0.91 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestFetchNotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "running"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	if _, err := c.FetchResult(context.Background(), "an-1"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	if _, err := c.Submit(context.Background(), "https://git.example/pr/7", Options{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestFailedAnalysisIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "failed"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	if _, err := c.FetchResult(context.Background(), "an-1"); !errors.Is(err, ErrAnalysisFailed) {
		t.Fatalf("expected ErrAnalysisFailed, got %v", err)
	}
}

func TestRetryExhaustion(t *testing.T) {
	var calls atomic.Int32
	err := Retry(context.Background(), Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Retries: 3}, func() error {
		calls.Add(1)
		return ErrUnavailable
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after exhaustion, got %v", err)
	}
	if calls.Load() != 4 {
		t.Fatalf("expected 4 attempts, got %d", calls.Load())
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	var calls atomic.Int32
	err := Retry(context.Background(), DefaultBackoff(), func() error {
		calls.Add(1)
		return ErrAnalysisFailed
	})
	if !errors.Is(err, ErrAnalysisFailed) {
		t.Fatalf("expected ErrAnalysisFailed, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("permanent error retried %d times", calls.Load())
	}
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, Backoff{Initial: time.Hour, Max: time.Hour, Retries: 3}, func() error {
		return ErrUnavailable
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBackoffCapped(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 4 * time.Second, Retries: 10}
	if b.Delay(0) != time.Second || b.Delay(1) != 2*time.Second || b.Delay(5) != 4*time.Second {
		t.Fatalf("backoff schedule wrong: %v %v %v", b.Delay(0), b.Delay(1), b.Delay(5))
	}
}
