package breaker

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestBreaker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Breaker Suite")
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l
}

var _ = Describe("Manager", func() {
	Describe("NewManager", func() {
		It("rejects an out-of-range failure ratio", func() {
			_, err := NewManager(Config{FailureRatio: 0, MaxProbes: 1}, testLogger())
			Expect(err).To(HaveOccurred())
		})

		It("rejects a zero max_probes", func() {
			_, err := NewManager(Config{FailureRatio: 0.5, MaxProbes: 0}, testLogger())
			Expect(err).To(HaveOccurred())
		})

		It("accepts a valid config", func() {
			_, err := NewManager(Config{FailureRatio: 0.5, MinThroughput: 10, WindowSeconds: 60, BreakDurationSeconds: 30, MaxProbes: 1}, testLogger())
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("Execute", func() {
		var mgr *Manager

		BeforeEach(func() {
			var err error
			mgr, err = NewManager(Config{
				FailureRatio:         0.5,
				MinThroughput:        2,
				WindowSeconds:        60,
				BreakDurationSeconds: 30,
				MaxProbes:            1,
			}, testLogger())
			Expect(err).NotTo(HaveOccurred())
		})

		It("passes through a successful call", func() {
			result, err := mgr.Execute(context.Background(), "anthropic", func(ctx context.Context) (interface{}, error) {
				return "ok", nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal("ok"))
		})

		It("isolates breakers per service", func() {
			boom := errors.New("boom")
			for i := 0; i < 5; i++ {
				_, _ = mgr.Execute(context.Background(), "svc-a", func(ctx context.Context) (interface{}, error) {
					return nil, boom
				})
			}
			Expect(mgr.State("svc-a")).To(Equal(gobreaker.StateOpen))
			Expect(mgr.State("svc-b")).To(Equal(gobreaker.StateClosed))
		})

		It("fails fast with a breaker-open error once tripped", func() {
			boom := errors.New("boom")
			for i := 0; i < 5; i++ {
				_, _ = mgr.Execute(context.Background(), "svc-c", func(ctx context.Context) (interface{}, error) {
					return nil, boom
				})
			}
			_, err := mgr.Execute(context.Background(), "svc-c", func(ctx context.Context) (interface{}, error) {
				return "should not run", nil
			})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("ResetAll", func() {
		It("clears breaker state back to closed", func() {
			mgr, err := NewManager(Config{FailureRatio: 0.5, MinThroughput: 1, WindowSeconds: 60, BreakDurationSeconds: 30, MaxProbes: 1}, testLogger())
			Expect(err).NotTo(HaveOccurred())

			boom := errors.New("boom")
			for i := 0; i < 5; i++ {
				_, _ = mgr.Execute(context.Background(), "svc-d", func(ctx context.Context) (interface{}, error) {
					return nil, boom
				})
			}
			Expect(mgr.State("svc-d")).To(Equal(gobreaker.StateOpen))

			mgr.ResetAll()
			Expect(mgr.State("svc-d")).To(Equal(gobreaker.StateClosed))
		})
	})
})
