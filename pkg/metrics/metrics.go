package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	verdict       map[string]int64
	reason        map[string]int64
	verdictReason map[string]int64
	stageStatus   map[string]int64
	threats       map[string]int64
	gauges        map[string]float64
	auditAppends  int64
	auditFailures int64
	Histograms    *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt   string                  `json:"generated_at"`
	Endpoints     map[string]EndpointStat `json:"endpoints"`
	Verdicts      map[string]int64        `json:"verdicts"`
	Reasons       map[string]int64        `json:"reasons"`
	VerdictReason map[string]int64        `json:"verdict_reason"`
	StageStatus   map[string]int64        `json:"stage_status"`
	Threats       map[string]int64        `json:"threats"`
	Gauges        map[string]float64      `json:"gauges"`
	AuditAppends  int64                   `json:"audit_appends_total"`
	AuditFailures int64                   `json:"audit_failures_total"`
	Histograms    []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		verdict:       map[string]int64{},
		reason:        map[string]int64{},
		verdictReason: map[string]int64{},
		stageStatus:   map[string]int64{},
		threats:       map[string]int64{},
		gauges:        map[string]float64{},
		Histograms:    NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

// ObserveStage records a stage outcome and its latency.
func (r *Registry) ObserveStage(stage, status string, d time.Duration) {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		return
	}
	if status == "" {
		status = "unknown"
	}
	r.mu.Lock()
	r.stageStatus[stage+"|"+status]++
	r.mu.Unlock()
	r.Histograms.ObserveDuration("stage:"+stage, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncVerdict(verdict string) {
	if verdict == "" {
		return
	}
	r.mu.Lock()
	r.verdict[verdict]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncVerdictReason(verdict, reason string) {
	verdict = strings.TrimSpace(verdict)
	reason = strings.TrimSpace(reason)
	if verdict == "" {
		return
	}
	if reason == "" {
		reason = "UNKNOWN"
	}
	key := verdict + "|" + reason
	r.mu.Lock()
	r.verdictReason[key]++
	r.mu.Unlock()
}

func (r *Registry) IncThreat(code string) {
	code = strings.TrimSpace(code)
	if code == "" {
		return
	}
	r.mu.Lock()
	r.threats[code]++
	r.mu.Unlock()
}

func (r *Registry) IncAuditAppend() {
	r.mu.Lock()
	r.auditAppends++
	r.mu.Unlock()
}

func (r *Registry) IncAuditFailure() {
	r.mu.Lock()
	r.auditFailures++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Endpoints:     make(map[string]EndpointStat, len(r.endpoint)),
		Verdicts:      make(map[string]int64, len(r.verdict)),
		Reasons:       make(map[string]int64, len(r.reason)),
		VerdictReason: make(map[string]int64, len(r.verdictReason)),
		StageStatus:   make(map[string]int64, len(r.stageStatus)),
		Threats:       make(map[string]int64, len(r.threats)),
		Gauges:        make(map[string]float64, len(r.gauges)),
		AuditAppends:  r.auditAppends,
		AuditFailures: r.auditFailures,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.verdict {
		out.Verdicts[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.verdictReason {
		out.VerdictReason[k] = v
	}
	for k, v := range r.stageStatus {
		out.StageStatus[k] = v
	}
	for k, v := range r.threats {
		out.Threats[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP assistant_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE assistant_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "assistant_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP assistant_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE assistant_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "assistant_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP assistant_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE assistant_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "assistant_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP assistant_verdict_total total decisions by verdict\n")
		b.WriteString("# TYPE assistant_verdict_total counter\n")
		for _, verdict := range SortedKeys(snap.Verdicts) {
			fmt.Fprintf(b, "assistant_verdict_total{verdict=%q} %d\n", verdict, snap.Verdicts[verdict])
		}
		b.WriteString("# HELP assistant_reason_total total decisions by reason code\n")
		b.WriteString("# TYPE assistant_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "assistant_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP assistant_verdict_reason_total decisions by verdict and reason\n")
		b.WriteString("# TYPE assistant_verdict_reason_total counter\n")
		for _, key := range SortedKeys(snap.VerdictReason) {
			parts := strings.SplitN(key, "|", 2)
			verdict := parts[0]
			reason := "UNKNOWN"
			if len(parts) == 2 {
				reason = parts[1]
			}
			fmt.Fprintf(b, "assistant_verdict_reason_total{verdict=%q,reason=%q} %d\n", verdict, reason, snap.VerdictReason[key])
		}
		b.WriteString("# HELP assistant_stage_status_total stage outcomes by status\n")
		b.WriteString("# TYPE assistant_stage_status_total counter\n")
		for _, key := range SortedKeys(snap.StageStatus) {
			parts := strings.SplitN(key, "|", 2)
			stage := parts[0]
			status := "unknown"
			if len(parts) == 2 {
				status = parts[1]
			}
			fmt.Fprintf(b, "assistant_stage_status_total{stage=%q,status=%q} %d\n", stage, status, snap.StageStatus[key])
		}
		b.WriteString("# HELP assistant_threat_total threat findings by code\n")
		b.WriteString("# TYPE assistant_threat_total counter\n")
		for _, code := range SortedKeys(snap.Threats) {
			fmt.Fprintf(b, "assistant_threat_total{code=%q} %d\n", code, snap.Threats[code])
		}
		b.WriteString("# HELP assistant_audit_appends_total audit trail appends\n")
		b.WriteString("# TYPE assistant_audit_appends_total counter\n")
		fmt.Fprintf(b, "assistant_audit_appends_total %d\n", snap.AuditAppends)
		b.WriteString("# HELP assistant_audit_failures_total audit trail append failures\n")
		b.WriteString("# TYPE assistant_audit_failures_total counter\n")
		fmt.Fprintf(b, "assistant_audit_failures_total %d\n", snap.AuditFailures)
		b.WriteString("# HELP assistant_gauge operational gauge metrics\n")
		b.WriteString("# TYPE assistant_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "assistant_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP assistant_latency_seconds latency histogram\n")
			b.WriteString("# TYPE assistant_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "assistant_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "assistant_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "assistant_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "assistant_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "assistant_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "assistant_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "assistant_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
