package metrics

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"/api/info/dQw4w9WgXcQ", "/api/info/:id"},
		{"/api/info/from-url", "/api/info/from-url"},
		{"/api/health/dependencies/", "/api/health/dependencies"},
		{"/api/download/progress/0190f2a4-7c1e-7b7e-9d61-3c3f0c8d2f10", "/api/download/progress/:id"},
		{"api/history", "/api/history"},
		{"/api/info/abc123", "/api/info/:id"},
	}
	for _, tc := range cases {
		if got := normalizePath(tc.path); got != tc.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestJobGaugeConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	admitted := 100
	finished := 150

	wg.Add(admitted + finished)
	for i := 0; i < admitted; i++ {
		go func() {
			defer wg.Done()
			recorder.JobAdmitted("video")
		}()
	}
	for i := 0; i < finished; i++ {
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				recorder.JobCompleted("video")
				return
			}
			recorder.JobFailed("video", "TranscodeError")
		}(i)
	}
	wg.Wait()

	events, active := recorder.JobCounts()
	if active != 0 {
		t.Fatalf("active jobs should not go negative; got %d", active)
	}
	if got := events[JobLabel{Type: "video", Status: "admitted"}]; got != uint64(admitted) {
		t.Fatalf("unexpected admitted events: got %d want %d", got, admitted)
	}
	if got := events[JobLabel{Type: "video", Status: "completed"}] + events[JobLabel{Type: "video", Status: "failed"}]; got != uint64(finished) {
		t.Fatalf("unexpected terminal events: got %d want %d", got, finished)
	}
}

func TestWriteAndHandlerOutput(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("GET", "/api/info/dQw4w9WgXcQ", 200, 150*time.Millisecond)
	recorder.ObserveRequest("get", "/api/info/abcdefghijK/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("POST", "/api/download", 201, time.Second)

	recorder.JobAdmitted("video")
	recorder.JobAdmitted("video")
	recorder.JobCompleted("video")
	recorder.JobAdmitted("audio")
	recorder.JobFailed("audio", "ContentUnavailable")
	recorder.AdmissionRejected("rate_limited")
	recorder.BytesDelivered("video", 1024)
	recorder.ObserveResolve("ok", 500*time.Millisecond)
	recorder.TranscoderStarted()
	recorder.TranscoderExited("ok")
	recorder.ScratchAllocated()
	recorder.ScratchAllocated()
	recorder.ScratchReleased()

	var buf bytes.Buffer
	recorder.Write(&buf)

	expected := `# HELP mediafetch_http_requests_total Total number of HTTP requests processed by the API
# TYPE mediafetch_http_requests_total counter
mediafetch_http_requests_total{method="GET",path="/api/info/:id",status="200"} 2
mediafetch_http_requests_total{method="POST",path="/api/download",status="201"} 1
# HELP mediafetch_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds
# TYPE mediafetch_http_request_duration_seconds_sum counter
mediafetch_http_request_duration_seconds_sum{method="GET",path="/api/info/:id",status="200"} 0.200000
mediafetch_http_request_duration_seconds_sum{method="POST",path="/api/download",status="201"} 1.000000
# HELP mediafetch_jobs_total Job lifecycle events by media type and status
# TYPE mediafetch_jobs_total counter
mediafetch_jobs_total{type="audio",status="admitted"} 1
mediafetch_jobs_total{type="audio",status="failed"} 1
mediafetch_jobs_total{type="video",status="admitted"} 2
mediafetch_jobs_total{type="video",status="completed"} 1
# HELP mediafetch_job_failures_total Failed jobs by error kind
# TYPE mediafetch_job_failures_total counter
mediafetch_job_failures_total{kind="ContentUnavailable"} 1
# HELP mediafetch_active_jobs Current number of admitted jobs that have not finished
# TYPE mediafetch_active_jobs gauge
mediafetch_active_jobs 1
# HELP mediafetch_admission_rejections_total Requests rejected by the scheduler by reason
# TYPE mediafetch_admission_rejections_total counter
mediafetch_admission_rejections_total{reason="rate_limited"} 1
# HELP mediafetch_delivered_bytes_total Bytes streamed to clients by media type
# TYPE mediafetch_delivered_bytes_total counter
mediafetch_delivered_bytes_total{type="video"} 1024
# HELP mediafetch_resolve_total Source resolutions by outcome
# TYPE mediafetch_resolve_total counter
mediafetch_resolve_total{outcome="ok"} 1
# HELP mediafetch_resolve_duration_seconds_sum Cumulative time spent resolving sources
# TYPE mediafetch_resolve_duration_seconds_sum counter
mediafetch_resolve_duration_seconds_sum 0.500000
# HELP mediafetch_transcoder_exits_total Transcoder process exits by outcome
# TYPE mediafetch_transcoder_exits_total counter
mediafetch_transcoder_exits_total{outcome="ok"} 1
# HELP mediafetch_transcoder_active Current number of running transcoder processes
# TYPE mediafetch_transcoder_active gauge
mediafetch_transcoder_active 0
# HELP mediafetch_scratch_allocated_total Scratch files allocated
# TYPE mediafetch_scratch_allocated_total counter
mediafetch_scratch_allocated_total 2
# HELP mediafetch_scratch_released_total Scratch files released
# TYPE mediafetch_scratch_released_total counter
mediafetch_scratch_released_total 1
# HELP mediafetch_scratch_active Scratch files currently on disk
# TYPE mediafetch_scratch_active gauge
mediafetch_scratch_active 1`

	if diff := compareLines(buf.String(), expected); diff != "" {
		t.Fatalf("unexpected write output:\n%s", diff)
	}

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))

	if contentType := res.Result().Header.Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("unexpected content type: %s", contentType)
	}

	if diff := compareLines(res.Body.String(), expected); diff != "" {
		t.Fatalf("unexpected handler output:\n%s", diff)
	}
}

func compareLines(actual, expected string) string {
	actualLines := strings.Split(strings.TrimSpace(actual), "\n")
	expectedLines := strings.Split(strings.TrimSpace(expected), "\n")
	if len(actualLines) != len(expectedLines) {
		return formatDiff(actualLines, expectedLines)
	}
	for i := range actualLines {
		if actualLines[i] != expectedLines[i] {
			return formatDiff(actualLines, expectedLines)
		}
	}
	return ""
}

func formatDiff(actual, expected []string) string {
	var b strings.Builder
	b.WriteString("expected\n")
	for _, line := range expected {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("got\n")
	for _, line := range actual {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
