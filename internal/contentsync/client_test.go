package contentsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/liminal-technologies/readylab-curriculum/internal/curriculum"
	"github.com/liminal-technologies/readylab-curriculum/internal/platform/logger"
)

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/courses" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Idempotency-Key") != "local_course" {
			t.Errorf("expected idempotency key on every attempt, got %q", r.Header.Get("Idempotency-Key"))
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["title"] != "Course" {
			t.Errorf("expected snake_case payload with title, got %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"c_1","title":"Course"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client(), HTTPClientOptions{})
	rec, err := client.CreateCourse(context.Background(), "local_course", curriculum.CoursePayload{Title: "Course"})
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if rec.ID() != "c_1" {
		t.Fatalf("expected id c_1, got %s", rec.ID())
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientNotFoundMatchesSentinel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"module not found"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client(), HTTPClientOptions{})
	err := client.DeleteModule(context.Background(), "m_404")
	if !errors.Is(err, curriculum.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != "not_found" {
		t.Fatalf("expected decoded error payload, got %+v", httpErr)
	}
}

func TestHTTPClientListLessonsUnwrapsEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/modules/m_1/lessons" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":"l_1","lessonType":"quiz"},{"id":"l_2","lesson_type":"audio"}]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client(), HTTPClientOptions{})
	lessons, err := client.ListLessons(context.Background(), "m_1")
	if err != nil {
		t.Fatalf("list lessons failed: %v", err)
	}
	if len(lessons) != 2 || lessons[1].ID() != "l_2" {
		t.Fatalf("unexpected lessons: %+v", lessons)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("2"); got.Seconds() != 2 {
		t.Fatalf("expected 2s, got %s", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("expected 0 for junk header, got %s", got)
	}
}

func TestHTTPClientLogsRetriesWithOneCorrelationID(t *testing.T) {
	var calls int32
	seen := make(chan string, 3)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("X-Correlation-Id")
		if atomic.AddInt32(&calls, 1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	core, logs := observer.New(zap.DebugLevel)
	client := NewHTTPClient(server.URL, "token", server.Client(), HTTPClientOptions{
		Logger:    &logger.Logger{SugaredLogger: zap.New(core).Sugar()},
		BaseDelay: time.Millisecond,
	})
	if err := client.DeleteLesson(context.Background(), "l_1"); err != nil {
		t.Fatalf("expected retries to recover, got %v", err)
	}

	first := <-seen
	for i := 0; i < 2; i++ {
		if id := <-seen; id != first {
			t.Fatalf("expected one correlation id across attempts, got %q and %q", first, id)
		}
	}
	retries := logs.FilterMessage("persistence request failed, retrying").All()
	if len(retries) != 2 {
		t.Fatalf("expected 2 retry log entries, got %d", len(retries))
	}
	fields := retries[1].ContextMap()
	if fields["attempt"] != int64(2) || fields["status"] != int64(http.StatusTooManyRequests) || fields["correlation_id"] != first {
		t.Fatalf("unexpected retry fields: %v", fields)
	}
}

func TestHTTPClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "", server.Client(), HTTPClientOptions{MaxRetries: 2, BaseDelay: time.Millisecond})
	err := client.DeleteModule(context.Background(), "m_1")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected final 502 error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 1 call plus 2 retries, got %d", got)
	}
}
