// Package sim provides the deterministic tick scheduler every protocol state
// machine is driven by.
//
// Each component implements Stepper and advances exactly one state per tick.
// Components are stepped in registration order, so a signal written by a
// component during tick N is visible to components registered after it in
// tick N and to components registered before it in tick N+1.
package sim

import (
	"time"
)

// DefaultHz is the simulated reference clock used when none is configured.
// One tick per microsecond keeps every protocol budget above one tick.
const DefaultHz = 1_000_000

// Clock converts wall-clock budgets into tick counts.
type Clock struct {
	Hz uint64
}

// Ticks returns the number of ticks covering d, rounded up and never below one.
func (c Clock) Ticks(d time.Duration) uint64 {
	hz := c.Hz
	if hz == 0 {
		hz = DefaultHz
	}
	if d <= 0 {
		return 1
	}
	n := (uint64(d)*hz + uint64(time.Second) - 1) / uint64(time.Second)
	if n == 0 {
		n = 1
	}
	return n
}

// Duration returns the simulated time covered by n ticks.
func (c Clock) Duration(n uint64) time.Duration {
	hz := c.Hz
	if hz == 0 {
		hz = DefaultHz
	}
	return time.Duration(n * uint64(time.Second) / hz)
}

// Stepper is a component advanced once per tick.
type Stepper interface {
	Step(tick uint64)
}

// StepFunc adapts a function to the Stepper interface.
type StepFunc func(tick uint64)

func (f StepFunc) Step(tick uint64) { f(tick) }

// Scheduler owns the global tick counter and the ordered component list.
type Scheduler struct {
	tick     uint64
	steppers []Stepper
}

// NewScheduler returns a scheduler stepping the given components in order.
func NewScheduler(steppers ...Stepper) *Scheduler {
	return &Scheduler{steppers: steppers}
}

// Add appends components to the end of the step order.
func (s *Scheduler) Add(steppers ...Stepper) {
	s.steppers = append(s.steppers, steppers...)
}

// Now returns the number of ticks executed so far.
func (s *Scheduler) Now() uint64 {
	return s.tick
}

// Tick advances every component by one step.
func (s *Scheduler) Tick() {
	s.tick++
	for _, st := range s.steppers {
		st.Step(s.tick)
	}
}

// Run executes n ticks.
func (s *Scheduler) Run(n uint64) {
	for i := uint64(0); i < n; i++ {
		s.Tick()
	}
}

// RunUntil ticks until cond reports true or limit ticks have elapsed.
// It returns whether cond was satisfied.
func (s *Scheduler) RunUntil(cond func() bool, limit uint64) bool {
	for i := uint64(0); i < limit; i++ {
		s.Tick()
		if cond() {
			return true
		}
	}
	return false
}
