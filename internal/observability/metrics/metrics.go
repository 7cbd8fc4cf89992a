// Package metrics keeps hand-rolled counters for the event pipeline and the
// HTTP API, rendered in Prometheus text exposition format. No client library
// is pulled in; the daemon only needs monotonic counters and one latency
// histogram.
package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type counterKey struct {
	name  string
	label string
}

type requestKey struct {
	handler string
	method  string
	code    string
}

type latencyKey struct {
	handler string
	method  string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu       sync.Mutex
	pipeline map[counterKey]uint64
	requests map[requestKey]uint64
	latency  map[latencyKey]*histogram
}

var defaultCollector = &collector{
	pipeline: make(map[counterKey]uint64),
	requests: make(map[requestKey]uint64),
	latency:  make(map[latencyKey]*histogram),
}

// Pipeline counter names.
const (
	EventsSeen          = "events_seen_total"
	EventsProcessed     = "events_processed_total"
	EventsRetried       = "events_retried_total"
	EventsExhausted     = "events_exhausted_total"
	Announcements       = "announcements_total"
	AnnouncementsFailed = "announcement_failures_total"
	ScanRounds          = "scan_rounds_total"
)

// IncPipeline increments a pipeline counter. The label carries the filter
// reason, delivery driver, or error code depending on the counter.
func IncPipeline(name, label string) {
	defaultCollector.mu.Lock()
	defaultCollector.pipeline[counterKey{name: name, label: label}]++
	defaultCollector.mu.Unlock()
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.observe(handler, method, status, duration)
}

func (c *collector) observe(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqKey := requestKey{handler: handler, method: method, code: strconv.Itoa(status)}
	c.requests[reqKey]++

	latKey := latencyKey{handler: handler, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Render produces the Prometheus text format for everything recorded so far.
func Render() string {
	return defaultCollector.render()
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(1024)

	names := make(map[string][]counterKey)
	for key := range c.pipeline {
		names[key.name] = append(names[key.name], key)
	}
	sortedNames := make([]string, 0, len(names))
	for name := range names {
		sortedNames = append(sortedNames, name)
	}
	sort.Strings(sortedNames)
	for _, name := range sortedNames {
		keys := names[name]
		sort.Slice(keys, func(i, j int) bool { return keys[i].label < keys[j].label })
		builder.WriteString(fmt.Sprintf("# TYPE trustclaw_%s counter\n", name))
		for _, key := range keys {
			if key.label == "" {
				builder.WriteString(fmt.Sprintf("trustclaw_%s %d\n", name, c.pipeline[key]))
				continue
			}
			builder.WriteString(fmt.Sprintf("trustclaw_%s{label=\"%s\"} %d\n", name, escape(key.label), c.pipeline[key]))
		}
	}

	reqs := make([]requestKey, 0, len(c.requests))
	for key := range c.requests {
		reqs = append(reqs, key)
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})
	builder.WriteString("# TYPE trustclaw_http_requests_total counter\n")
	for _, key := range reqs {
		builder.WriteString(fmt.Sprintf("trustclaw_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), escape(key.code), c.requests[key]))
	}

	lats := make([]latencyKey, 0, len(c.latency))
	for key := range c.latency {
		lats = append(lats, key)
	}
	sort.Slice(lats, func(i, j int) bool {
		if lats[i].handler == lats[j].handler {
			return lats[i].method < lats[j].method
		}
		return lats[i].handler < lats[j].handler
	})
	builder.WriteString("# TYPE trustclaw_http_request_duration_seconds histogram\n")
	for _, key := range lats {
		hist := c.latency[key]
		for idx, bound := range hist.buckets {
			builder.WriteString(fmt.Sprintf("trustclaw_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"%s\"} %d\n",
				escape(key.handler), escape(key.method), formatFloat(bound), hist.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("trustclaw_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"+Inf\"} %d\n",
			escape(key.handler), escape(key.method), hist.count))
		builder.WriteString(fmt.Sprintf("trustclaw_http_request_duration_seconds_sum{handler=\"%s\",method=\"%s\"} %s\n",
			escape(key.handler), escape(key.method), formatFloat(hist.sum)))
		builder.WriteString(fmt.Sprintf("trustclaw_http_request_duration_seconds_count{handler=\"%s\",method=\"%s\"} %d\n",
			escape(key.handler), escape(key.method), hist.count))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
