package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// JobLabel identifies a job lifecycle counter by media type and outcome.
type JobLabel struct {
	Type   string
	Status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, job
// admission and lifecycle, scratch usage, source resolution and transcoder
// processes. Writers coordinate through a RWMutex; gauges are atomics.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	jobEvents        map[JobLabel]uint64
	jobFailures      map[string]uint64
	rejections       map[string]uint64
	deliveredBytes   map[string]uint64
	resolveOutcomes  map[string]uint64
	resolveDuration  time.Duration
	transcoderExits  map[string]uint64
	activeJobs       atomic.Int64
	activeTranscoder atomic.Int64
	activeScratch    atomic.Int64
	scratchAllocated atomic.Uint64
	scratchReleased  atomic.Uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		jobEvents:       make(map[JobLabel]uint64),
		jobFailures:     make(map[string]uint64),
		rejections:      make(map[string]uint64),
		deliveredBytes:  make(map[string]uint64),
		resolveOutcomes: make(map[string]uint64),
		transcoderExits: make(map[string]uint64),
	}
}

// Default returns the Recorder shared by the package level helpers.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// JobAdmitted records an admitted job and raises the active job gauge.
func (r *Recorder) JobAdmitted(mediaType string) {
	r.recordJobEvent(mediaType, "admitted")
	r.activeJobs.Add(1)
}

func (r *Recorder) JobCompleted(mediaType string) {
	r.recordJobEvent(mediaType, "completed")
	r.decrementGauge(&r.activeJobs)
}

// JobFailed records a failed job under its error kind and lowers the active
// job gauge without letting it go negative.
func (r *Recorder) JobFailed(mediaType, kind string) {
	r.recordJobEvent(mediaType, "failed")
	r.mu.Lock()
	r.jobFailures[labelOrUnknown(kind)]++
	r.mu.Unlock()
	r.decrementGauge(&r.activeJobs)
}

// AdmissionRejected counts a request turned away by the scheduler.
func (r *Recorder) AdmissionRejected(reason string) {
	r.mu.Lock()
	r.rejections[normalizeName(reason)]++
	r.mu.Unlock()
}

func (r *Recorder) BytesDelivered(mediaType string, n int64) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.deliveredBytes[normalizeName(mediaType)] += uint64(n)
	r.mu.Unlock()
}

// ObserveResolve records one source resolution and how long it took.
func (r *Recorder) ObserveResolve(outcome string, duration time.Duration) {
	r.mu.Lock()
	r.resolveOutcomes[normalizeName(outcome)]++
	r.resolveDuration += duration
	r.mu.Unlock()
}

func (r *Recorder) TranscoderStarted() {
	r.activeTranscoder.Add(1)
}

// TranscoderExited records how a transcoder process ended.
func (r *Recorder) TranscoderExited(outcome string) {
	r.mu.Lock()
	r.transcoderExits[normalizeName(outcome)]++
	r.mu.Unlock()
	r.decrementGauge(&r.activeTranscoder)
}

func (r *Recorder) ScratchAllocated() {
	r.scratchAllocated.Add(1)
	r.activeScratch.Add(1)
}

func (r *Recorder) ScratchReleased() {
	r.scratchReleased.Add(1)
	r.decrementGauge(&r.activeScratch)
}

func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

func (r *Recorder) ActiveTranscoders() int64 {
	return r.activeTranscoder.Load()
}

// JobCounts returns copies of the job lifecycle counters and the current
// active job gauge.
func (r *Recorder) JobCounts() (events map[JobLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[JobLabel]uint64, len(r.jobEvents))
	for k, v := range r.jobEvents {
		events[k] = v
	}
	return events, r.activeJobs.Load()
}

// Rejections returns a copy of the admission rejection counters.
func (r *Recorder) Rejections() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.rejections))
	for k, v := range r.rejections {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.jobEvents = make(map[JobLabel]uint64)
	r.jobFailures = make(map[string]uint64)
	r.rejections = make(map[string]uint64)
	r.deliveredBytes = make(map[string]uint64)
	r.resolveOutcomes = make(map[string]uint64)
	r.resolveDuration = 0
	r.transcoderExits = make(map[string]uint64)
	r.activeJobs.Store(0)
	r.activeTranscoder.Store(0)
	r.activeScratch.Store(0)
	r.scratchAllocated.Store(0)
	r.scratchReleased.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	jobLabels := r.sortedJobLabels()

	fmt.Fprintln(w, "# HELP mediafetch_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE mediafetch_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "mediafetch_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP mediafetch_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE mediafetch_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "mediafetch_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP mediafetch_jobs_total Job lifecycle events by media type and status")
	fmt.Fprintln(w, "# TYPE mediafetch_jobs_total counter")
	for _, label := range jobLabels {
		fmt.Fprintf(w, "mediafetch_jobs_total{type=\"%s\",status=\"%s\"} %d\n", label.Type, label.Status, r.jobEvents[label])
	}

	fmt.Fprintln(w, "# HELP mediafetch_job_failures_total Failed jobs by error kind")
	fmt.Fprintln(w, "# TYPE mediafetch_job_failures_total counter")
	for _, kind := range sortedKeys(r.jobFailures) {
		fmt.Fprintf(w, "mediafetch_job_failures_total{kind=\"%s\"} %d\n", kind, r.jobFailures[kind])
	}

	fmt.Fprintln(w, "# HELP mediafetch_active_jobs Current number of admitted jobs that have not finished")
	fmt.Fprintln(w, "# TYPE mediafetch_active_jobs gauge")
	fmt.Fprintf(w, "mediafetch_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP mediafetch_admission_rejections_total Requests rejected by the scheduler by reason")
	fmt.Fprintln(w, "# TYPE mediafetch_admission_rejections_total counter")
	for _, reason := range sortedKeys(r.rejections) {
		fmt.Fprintf(w, "mediafetch_admission_rejections_total{reason=\"%s\"} %d\n", reason, r.rejections[reason])
	}

	fmt.Fprintln(w, "# HELP mediafetch_delivered_bytes_total Bytes streamed to clients by media type")
	fmt.Fprintln(w, "# TYPE mediafetch_delivered_bytes_total counter")
	for _, typ := range sortedKeys(r.deliveredBytes) {
		fmt.Fprintf(w, "mediafetch_delivered_bytes_total{type=\"%s\"} %d\n", typ, r.deliveredBytes[typ])
	}

	fmt.Fprintln(w, "# HELP mediafetch_resolve_total Source resolutions by outcome")
	fmt.Fprintln(w, "# TYPE mediafetch_resolve_total counter")
	for _, outcome := range sortedKeys(r.resolveOutcomes) {
		fmt.Fprintf(w, "mediafetch_resolve_total{outcome=\"%s\"} %d\n", outcome, r.resolveOutcomes[outcome])
	}
	fmt.Fprintln(w, "# HELP mediafetch_resolve_duration_seconds_sum Cumulative time spent resolving sources")
	fmt.Fprintln(w, "# TYPE mediafetch_resolve_duration_seconds_sum counter")
	fmt.Fprintf(w, "mediafetch_resolve_duration_seconds_sum %f\n", r.resolveDuration.Seconds())

	fmt.Fprintln(w, "# HELP mediafetch_transcoder_exits_total Transcoder process exits by outcome")
	fmt.Fprintln(w, "# TYPE mediafetch_transcoder_exits_total counter")
	for _, outcome := range sortedKeys(r.transcoderExits) {
		fmt.Fprintf(w, "mediafetch_transcoder_exits_total{outcome=\"%s\"} %d\n", outcome, r.transcoderExits[outcome])
	}

	fmt.Fprintln(w, "# HELP mediafetch_transcoder_active Current number of running transcoder processes")
	fmt.Fprintln(w, "# TYPE mediafetch_transcoder_active gauge")
	fmt.Fprintf(w, "mediafetch_transcoder_active %d\n", r.activeTranscoder.Load())

	fmt.Fprintln(w, "# HELP mediafetch_scratch_allocated_total Scratch files allocated")
	fmt.Fprintln(w, "# TYPE mediafetch_scratch_allocated_total counter")
	fmt.Fprintf(w, "mediafetch_scratch_allocated_total %d\n", r.scratchAllocated.Load())
	fmt.Fprintln(w, "# HELP mediafetch_scratch_released_total Scratch files released")
	fmt.Fprintln(w, "# TYPE mediafetch_scratch_released_total counter")
	fmt.Fprintf(w, "mediafetch_scratch_released_total %d\n", r.scratchReleased.Load())
	fmt.Fprintln(w, "# HELP mediafetch_scratch_active Scratch files currently on disk")
	fmt.Fprintln(w, "# TYPE mediafetch_scratch_active gauge")
	fmt.Fprintf(w, "mediafetch_scratch_active %d\n", r.activeScratch.Load())
}

func (r *Recorder) recordJobEvent(mediaType, status string) {
	label := JobLabel{Type: normalizeName(mediaType), Status: normalizeName(status)}
	r.mu.Lock()
	r.jobEvents[label]++
	r.mu.Unlock()
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedJobLabels() []JobLabel {
	labels := make([]JobLabel, 0, len(r.jobEvents))
	for label := range r.jobEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Type != labels[j].Type {
			return labels[i].Type < labels[j].Type
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// normalizePath collapses video ids, job ids and other identifiers so the
// request counters keep a bounded label set.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) == 11 && !isLowerWord(segment) {
		return true
	}
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func isLowerWord(segment string) bool {
	for _, r := range segment {
		if (r < 'a' || r > 'z') && r != '-' {
			return false
		}
	}
	return true
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func labelOrUnknown(value string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return "unknown"
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

func JobAdmitted(mediaType string) { defaultRecorder.JobAdmitted(mediaType) }

func JobCompleted(mediaType string) { defaultRecorder.JobCompleted(mediaType) }

func JobFailed(mediaType, kind string) { defaultRecorder.JobFailed(mediaType, kind) }

func AdmissionRejected(reason string) { defaultRecorder.AdmissionRejected(reason) }

func BytesDelivered(mediaType string, n int64) { defaultRecorder.BytesDelivered(mediaType, n) }

func ObserveResolve(outcome string, duration time.Duration) {
	defaultRecorder.ObserveResolve(outcome, duration)
}

func TranscoderStarted() { defaultRecorder.TranscoderStarted() }

func TranscoderExited(outcome string) { defaultRecorder.TranscoderExited(outcome) }

func ScratchAllocated() { defaultRecorder.ScratchAllocated() }

func ScratchReleased() { defaultRecorder.ScratchReleased() }

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
