package metrics

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// maxSamples bounds the latency window kept per service.
const maxSamples = 1000

type Metrics struct {
	mutex         sync.RWMutex
	requests      map[string]int64
	responseTimes map[string][]time.Duration
	statusCodes   map[string]map[int]int64
	healthStatus  map[string]bool
	rejections    map[string]int64
	failures      map[string]map[string]int64
	startTime     time.Time
}

type Snapshot struct {
	TotalRequests int64                     `json:"totalRequests"`
	Uptime        time.Duration             `json:"uptime"`
	Services      map[string]ServiceMetrics `json:"services"`
}

type ServiceMetrics struct {
	Requests          int64            `json:"requests"`
	Healthy           bool             `json:"healthy"`
	AvgResponse       time.Duration    `json:"avgResponse"`
	P50Response       time.Duration    `json:"p50Response"`
	P95Response       time.Duration    `json:"p95Response"`
	P99Response       time.Duration    `json:"p99Response"`
	StatusCodes       map[int]int64    `json:"statusCodes,omitempty"`
	CircuitRejections int64            `json:"circuitRejections"`
	UpstreamFailures  map[string]int64 `json:"upstreamFailures,omitempty"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests:      make(map[string]int64),
		responseTimes: make(map[string][]time.Duration),
		statusCodes:   make(map[string]map[int]int64),
		healthStatus:  make(map[string]bool),
		rejections:    make(map[string]int64),
		failures:      make(map[string]map[string]int64),
		startTime:     time.Now(),
	}
}

func (m *Metrics) IncrementRequests(service string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.requests[service]++
}

func (m *Metrics) RecordResponse(service string, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	samples := append(m.responseTimes[service], duration)
	if len(samples) > maxSamples {
		samples = samples[len(samples)-maxSamples:]
	}
	m.responseTimes[service] = samples

	if m.statusCodes[service] == nil {
		m.statusCodes[service] = make(map[int]int64)
	}
	m.statusCodes[service][statusCode]++
}

func (m *Metrics) UpdateHealthStatus(service string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.healthStatus[service] = healthy
}

func (m *Metrics) RecordRejection(service string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rejections[service]++
}

func (m *Metrics) RecordUpstreamFailure(service, kind string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.failures[service] == nil {
		m.failures[service] = make(map[string]int64)
	}
	m.failures[service][kind]++
}

// Forget drops everything recorded for a service.
func (m *Metrics) Forget(service string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.requests, service)
	delete(m.responseTimes, service)
	delete(m.statusCodes, service)
	delete(m.healthStatus, service)
	delete(m.rejections, service)
	delete(m.failures, service)
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:   time.Since(m.startTime),
		Services: make(map[string]ServiceMetrics),
	}

	all := make(map[string]struct{})
	for _, keys := range [][]string{
		slices.Collect(maps.Keys(m.requests)),
		slices.Collect(maps.Keys(m.responseTimes)),
		slices.Collect(maps.Keys(m.healthStatus)),
		slices.Collect(maps.Keys(m.rejections)),
		slices.Collect(maps.Keys(m.failures)),
	} {
		for _, k := range keys {
			all[k] = struct{}{}
		}
	}

	for service := range all {
		snap.TotalRequests += m.requests[service]

		sm := ServiceMetrics{
			Requests:          m.requests[service],
			Healthy:           m.healthStatus[service],
			StatusCodes:       maps.Clone(m.statusCodes[service]),
			CircuitRejections: m.rejections[service],
			UpstreamFailures:  maps.Clone(m.failures[service]),
		}

		if durations := m.responseTimes[service]; len(durations) > 0 {
			sorted := slices.Clone(durations)
			slices.Sort(sorted)

			sm.AvgResponse = average(sorted)
			sm.P50Response = percentile(sorted, 0.50)
			sm.P95Response = percentile(sorted, 0.95)
			sm.P99Response = percentile(sorted, 0.99)
		}

		snap.Services[service] = sm
	}

	return snap
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
