package registry_test

import (
	"context"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/service-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/service-gateway/internal/healthcheck"
	"github.com/angeloszaimis/service-gateway/internal/registry"
	"github.com/angeloszaimis/service-gateway/pkg/logger"
)

type countingProber struct {
	calls atomic.Int64
}

func (p *countingProber) Probe(context.Context, string) healthcheck.Result {
	p.calls.Add(1)
	return healthcheck.Result{Healthy: true, StatusCode: 200, CheckedAt: time.Now()}
}

var _ = Describe("Health sweep", func() {
	var (
		reg    *registry.Registry
		prober *fakeProber
		ctx    context.Context
	)

	const healthURL = "http://svc:1/health"

	BeforeEach(func() {
		ctx = context.Background()
		prober = newFakeProber()
		settings := registry.DefaultSettings()
		settings.RetryDelay = 10 * time.Millisecond
		reg = registry.New(logger.Discard(), prober, settings)

		_, err := reg.Register(ctx, registry.Registration{Name: "svc", URL: "http://svc:1"})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("CheckServicesHealth", func() {
		It("should report a healthy service and keep its counters clean", func() {
			reports := reg.CheckServicesHealth(ctx)
			Expect(reports).To(HaveLen(1))
			Expect(reports[0].Service).To(Equal("svc"))
			Expect(reports[0].Healthy).To(BeTrue())
			Expect(reports[0].Attempts).To(Equal(1))
			Expect(reports[0].ConsecutiveFailures).To(BeZero())
		})

		It("should retry a failed probe once and recover on success", func() {
			prober.script(healthURL, false, true)

			reports := reg.CheckServicesHealth(ctx)
			Expect(reports[0].Healthy).To(BeTrue())
			Expect(reports[0].Attempts).To(Equal(2))

			svc, _ := reg.Get("svc")
			Expect(svc.Healthy).To(BeTrue())
			Expect(svc.ConsecutiveFailures).To(BeZero())
		})

		It("should mark a service unhealthy when the retry fails too", func() {
			prober.script(healthURL, false)

			reports := reg.CheckServicesHealth(ctx)
			Expect(reports[0].Healthy).To(BeFalse())
			Expect(reports[0].Attempts).To(Equal(2))
			Expect(reports[0].ConsecutiveFailures).To(Equal(1))
			Expect(reports[0].Reason).NotTo(BeEmpty())

			svc, _ := reg.Get("svc")
			Expect(svc.Healthy).To(BeFalse())
		})

		It("should open the circuit after three failed sweeps without retrying the third", func() {
			prober.script(healthURL, false)

			reg.CheckServicesHealth(ctx)
			reg.CheckServicesHealth(ctx)
			Expect(reg.CircuitBreakers()).NotTo(HaveKey("svc"))

			reports := reg.CheckServicesHealth(ctx)
			Expect(reports[0].Attempts).To(Equal(1))
			Expect(reports[0].ConsecutiveFailures).To(Equal(3))
			Expect(reports[0].CircuitState).To(Equal(circuitbreaker.StateOpen))
			Expect(reg.Healthy()).To(BeEmpty())
		})

		It("should close an open circuit once the service answers again", func() {
			for i := 0; i < 5; i++ {
				reg.RecordOutcome("svc", false)
			}
			svc, _ := reg.Get("svc")
			Expect(svc.CircuitState).To(Equal(circuitbreaker.StateOpen))

			reports := reg.CheckServicesHealth(ctx)
			Expect(reports[0].CircuitState).To(Equal(circuitbreaker.StateClosed))
		})

		It("should sweep services in registration order", func() {
			_, err := reg.Register(ctx, registry.Registration{Name: "second", URL: "http://second"})
			Expect(err).NotTo(HaveOccurred())

			reports := reg.CheckServicesHealth(ctx)
			Expect(reports).To(HaveLen(2))
			Expect(reports[0].Service).To(Equal("svc"))
			Expect(reports[1].Service).To(Equal("second"))
		})
	})

	Describe("periodic health checks", func() {
		var counting *countingProber

		BeforeEach(func() {
			counting = &countingProber{}
			settings := registry.DefaultSettings()
			settings.SweepInterval = 20 * time.Millisecond
			reg = registry.New(logger.Discard(), counting, settings)
			_, err := reg.Register(ctx, registry.Registration{Name: "svc", URL: "http://svc:1"})
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			reg.Stop()
		})

		It("should sweep on every tick", func() {
			reg.StartPeriodicHealthChecks(ctx)
			Eventually(counting.calls.Load).Should(BeNumerically(">=", 3))
		})

		It("should stop sweeping after Stop", func() {
			reg.StartPeriodicHealthChecks(ctx)
			Eventually(counting.calls.Load).Should(BeNumerically(">=", 2))
			reg.Stop()

			after := counting.calls.Load()
			Consistently(counting.calls.Load, 100*time.Millisecond).Should(Equal(after))
		})

		It("should tolerate Stop when nothing is running and repeated starts", func() {
			Expect(reg.Stop).NotTo(Panic())
			reg.StartPeriodicHealthChecks(ctx)
			reg.StartPeriodicHealthChecks(ctx)
			Eventually(counting.calls.Load).Should(BeNumerically(">=", 2))
		})

		It("should stop when the parent context is cancelled", func() {
			parent, cancel := context.WithCancel(ctx)
			reg.StartPeriodicHealthChecks(parent)
			Eventually(counting.calls.Load).Should(BeNumerically(">=", 2))
			cancel()

			time.Sleep(40 * time.Millisecond)
			after := counting.calls.Load()
			Consistently(counting.calls.Load, 100*time.Millisecond).Should(Equal(after))
		})
	})
})
