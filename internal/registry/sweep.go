package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/angeloszaimis/service-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/service-gateway/internal/gatewayerr"
	"github.com/angeloszaimis/service-gateway/internal/healthcheck"
)

// HealthReport is the outcome of re-probing one service during a sweep.
type HealthReport struct {
	Service             string                      `json:"service"`
	Healthy             bool                        `json:"healthy"`
	StatusCode          int                         `json:"statusCode,omitempty"`
	Failure             gatewayerr.TransportFailure `json:"failure,omitempty"`
	Reason              string                      `json:"reason,omitempty"`
	Attempts            int                         `json:"attempts"`
	LatencyMs           int64                       `json:"latencyMs"`
	ConsecutiveFailures int                         `json:"consecutiveFailures"`
	CircuitState        circuitbreaker.State        `json:"circuitState"`
	CheckedAt           time.Time                   `json:"checkedAt"`
}

// CheckServicesHealth re-probes every registered service, one after another.
// Sweep time therefore grows linearly with the number of services.
func (r *Registry) CheckServicesHealth(ctx context.Context) []HealthReport {
	services := r.All()
	reports := make([]HealthReport, 0, len(services))

	for _, svc := range services {
		if ctx.Err() != nil {
			break
		}
		reports = append(reports, r.checkService(ctx, svc))
	}

	return reports
}

func (r *Registry) checkService(ctx context.Context, svc Service) HealthReport {
	result := r.prober.Probe(ctx, svc.HealthURL)
	attempts := 1

	if !result.Healthy {
		failures, ok := r.applyProbe(svc, result)
		if ok && failures >= r.settings.FailureThreshold {
			r.breakers.GetBreaker(svc.Name).Trip()
		} else if ok {
			select {
			case <-ctx.Done():
			case <-time.After(r.settings.RetryDelay):
				attempts++
				if retry := r.prober.Probe(ctx, svc.HealthURL); retry.Healthy {
					result = retry
				}
			}
		}
	}

	if result.Healthy {
		_, ok := r.applyProbe(svc, result)
		if ok && r.breakers.State(svc.Name) != circuitbreaker.StateClosed {
			r.breakers.GetBreaker(svc.Name).Reset()
		}
	}

	report := HealthReport{
		Service:    svc.Name,
		Healthy:    result.Healthy,
		StatusCode: result.StatusCode,
		Failure:    result.Failure,
		Reason:     result.Reason,
		Attempts:   attempts,
		LatencyMs:  result.Latency.Milliseconds(),
		CheckedAt:  result.CheckedAt,
	}
	if current, ok := r.Get(svc.Name); ok {
		report.ConsecutiveFailures = current.ConsecutiveFailures
		report.CircuitState = current.CircuitState
	}
	return report
}

// applyProbe writes a probe result into the live record and returns the
// updated consecutive failure count. It is a no-op when the service was
// removed or re-registered while the probe was in flight.
func (r *Registry) applyProbe(svc Service, result healthcheck.Result) (int, bool) {
	r.mutex.Lock()
	current, ok := r.services[svc.Name]
	if !ok || current.ID != svc.ID {
		r.mutex.Unlock()
		return 0, false
	}

	wasHealthy := current.Healthy
	current.Healthy = result.Healthy
	current.LastHealthCheck = result.CheckedAt
	current.LastHealthReason = result.Reason
	if result.Healthy {
		current.ConsecutiveFailures = 0
	} else {
		current.ConsecutiveFailures++
	}
	failures := current.ConsecutiveFailures
	r.mutex.Unlock()

	if wasHealthy != result.Healthy {
		if result.Healthy {
			r.logger.Info("Service is back up", slog.String("service", svc.Name))
		} else {
			r.logger.Warn("Service is down",
				slog.String("service", svc.Name),
				slog.String("failure", result.Failure.String()),
				slog.String("reason", result.Reason))
		}
		if r.onHealthChange != nil {
			r.onHealthChange(svc.Name, result.Healthy)
		}
	}

	return failures, true
}

type sweeper struct {
	mutex  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// StartPeriodicHealthChecks runs CheckServicesHealth every SweepInterval
// until ctx is cancelled or Stop is called. Starting again replaces the
// running task.
func (r *Registry) StartPeriodicHealthChecks(ctx context.Context) {
	r.Stop()

	r.sweeper.mutex.Lock()
	defer r.sweeper.mutex.Unlock()

	sweepCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.sweeper.cancel = cancel
	r.sweeper.done = done

	go r.runSweeps(sweepCtx, done)
}

// Stop cancels the periodic health checks and waits for an in-flight sweep to
// return. It is a no-op when nothing is running.
func (r *Registry) Stop() {
	r.sweeper.mutex.Lock()
	cancel, done := r.sweeper.cancel, r.sweeper.done
	r.sweeper.cancel, r.sweeper.done = nil, nil
	r.sweeper.mutex.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Registry) runSweeps(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.settings.SweepInterval)
	defer ticker.Stop()

	r.logger.Info("Health checks started", slog.Duration("interval", r.settings.SweepInterval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Health checks stopped")
			return

		case <-ticker.C:
			reports := r.CheckServicesHealth(ctx)
			healthy := 0
			for _, report := range reports {
				if report.Healthy {
					healthy++
				}
			}
			r.logger.Debug("Health sweep finished",
				slog.Int("services", len(reports)),
				slog.Int("healthy", healthy))
		}
	}
}
