package circuitbreaker_test

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/service-gateway/internal/circuitbreaker"
)

func tripped(cb *circuitbreaker.CircuitBreaker, failures int) {
	for i := 0; i < failures; i++ {
		cb.RecordFailure()
	}
}

var _ = Describe("CircuitBreaker", func() {
	var (
		cb       *circuitbreaker.CircuitBreaker
		settings circuitbreaker.Settings
	)

	BeforeEach(func() {
		settings = circuitbreaker.Settings{
			FailureThreshold: 5,
			ResetTimeout:     100 * time.Millisecond,
			HalfOpenMaxCalls: 3,
		}
		cb = circuitbreaker.NewCircuitBreaker(settings)
	})

	Describe("NewCircuitBreaker", func() {
		It("should create a circuit breaker in closed state", func() {
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
		})

		It("should fall back to default thresholds", func() {
			cb = circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{})
			tripped(cb, circuitbreaker.DefaultFailureThreshold-1)
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			cb.RecordFailure()
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		})
	})

	Context("when in CLOSED state", func() {
		It("should allow requests", func() {
			Expect(cb.Allow()).To(BeTrue())
		})

		It("should remain closed after failures below threshold", func() {
			tripped(cb, 4)
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			Expect(cb.Snapshot().FailureCount).To(Equal(4))
		})

		It("should transition to OPEN after five consecutive failures", func() {
			tripped(cb, 5)
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
			Expect(cb.Snapshot().LastFailureTime).NotTo(BeZero())
		})

		It("should reset the failure count on success", func() {
			tripped(cb, 4)
			cb.RecordSuccess()
			cb.RecordFailure()
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			Expect(cb.Snapshot().FailureCount).To(Equal(1))
		})
	})

	Context("when in OPEN state", func() {
		BeforeEach(func() {
			tripped(cb, 5)
		})

		It("should block every request before the reset timeout", func() {
			for i := 0; i < 10; i++ {
				Expect(cb.Allow()).To(BeFalse())
			}
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
		})

		It("should admit exactly one probe after the reset timeout", func() {
			time.Sleep(150 * time.Millisecond)
			Expect(cb.Allow()).To(BeTrue())
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
			Expect(cb.Allow()).To(BeFalse())
		})
	})

	Context("when in HALF_OPEN state", func() {
		BeforeEach(func() {
			tripped(cb, 5)
			time.Sleep(150 * time.Millisecond)
			Expect(cb.Allow()).To(BeTrue())
			Expect(cb.State()).To(Equal(circuitbreaker.StateHalfOpen))
		})

		It("should admit the next probe once the previous one reported", func() {
			cb.RecordSuccess()
			Expect(cb.Allow()).To(BeTrue())
			Expect(cb.Snapshot().SuccessCount).To(Equal(1))
		})

		It("should close after three consecutive successes", func() {
			cb.RecordSuccess()
			Expect(cb.Allow()).To(BeTrue())
			cb.RecordSuccess()
			Expect(cb.Allow()).To(BeTrue())
			cb.RecordSuccess()

			snap := cb.Snapshot()
			Expect(snap.State).To(Equal(circuitbreaker.StateClosed))
			Expect(snap.FailureCount).To(BeZero())
			Expect(snap.SuccessCount).To(BeZero())
		})

		It("should reopen on a single failure and reset the success count", func() {
			cb.RecordSuccess()
			Expect(cb.Allow()).To(BeTrue())
			cb.RecordFailure()

			snap := cb.Snapshot()
			Expect(snap.State).To(Equal(circuitbreaker.StateOpen))
			Expect(snap.SuccessCount).To(BeZero())
			Expect(cb.Allow()).To(BeFalse())
		})

		It("should free the probe slot on Release", func() {
			Expect(cb.Allow()).To(BeFalse())
			cb.Release()
			Expect(cb.Allow()).To(BeTrue())
		})

		It("should expire a probe that never reported", func() {
			Expect(cb.Allow()).To(BeFalse())
			time.Sleep(150 * time.Millisecond)
			Expect(cb.Allow()).To(BeTrue())
		})
	})

	Describe("Trip and Reset", func() {
		It("should force the circuit open", func() {
			cb.Trip()
			Expect(cb.State()).To(Equal(circuitbreaker.StateOpen))
			Expect(cb.Allow()).To(BeFalse())
		})

		It("should close the circuit from any state", func() {
			tripped(cb, 5)
			cb.Reset()
			Expect(cb.State()).To(Equal(circuitbreaker.StateClosed))
			Expect(cb.Snapshot().FailureCount).To(BeZero())
		})
	})

	Describe("RecordOutcome", func() {
		It("should route to success and failure", func() {
			cb.RecordOutcome(false)
			Expect(cb.Snapshot().FailureCount).To(Equal(1))
			cb.RecordOutcome(true)
			Expect(cb.Snapshot().FailureCount).To(BeZero())
		})
	})

	Describe("State", func() {
		It("should return correct string representation", func() {
			Expect(circuitbreaker.StateClosed.String()).To(Equal("CLOSED"))
			Expect(circuitbreaker.StateOpen.String()).To(Equal("OPEN"))
			Expect(circuitbreaker.StateHalfOpen.String()).To(Equal("HALF_OPEN"))
		})

		It("should marshal as its name", func() {
			data, err := json.Marshal(circuitbreaker.StateHalfOpen)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal(`"HALF_OPEN"`))
		})
	})
})
