package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/danielolaszy/tether/internal/logging"
)

// Cycle reconciles two providers into each other: A into B, then B into A.
// The second direction observes the links and watermarks the first one just
// wrote, which keeps B's echo of A's writes from flowing back.
type Cycle struct {
	A, B Provider

	// ForceA and ForceB request a full resync of A or B on the next cycle.
	// They clear themselves once that cycle completes.
	ForceA bool
	ForceB bool

	log *slog.Logger
	now func() time.Time
}

// NewCycle returns a Cycle between a and b.
func NewCycle(a, b Provider, log *slog.Logger) *Cycle {
	if log == nil {
		log = logging.GetLogger()
	}
	return &Cycle{A: a, B: b, log: log, now: time.Now}
}

// CycleReport is the outcome of one cycle.
type CycleReport struct {
	ID   string `yaml:"id"`
	AtoB Report `yaml:"a_to_b"`
	BtoA Report `yaml:"b_to_a"`
}

// RunOnce runs a single cycle. A panic escaping a pass is recovered and
// returned as an error.
func (c *Cycle) RunOnce(ctx context.Context) (report CycleReport, err error) {
	report.ID = uuid.NewString()
	log := c.log.With("cycle_id", report.ID)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle %s: panic: %v", report.ID, r)
		}
	}()

	for _, p := range []Provider{c.A, c.B} {
		if r, ok := p.(Resetter); ok {
			r.Reset()
		}
	}

	start := c.now()
	log.Info("starting synchronization cycle", "force_a", c.ForceA, "force_b", c.ForceB)

	report.AtoB = NewMonitor(c.A, c.B, WithForce(c.ForceA), WithLogger(log), WithClock(c.now)).CheckForUpdates(ctx)
	c.ForceA = false

	report.BtoA = NewMonitor(c.B, c.A, WithForce(c.ForceB), WithLogger(log), WithClock(c.now)).CheckForUpdates(ctx)
	c.ForceB = false

	log.Info("synchronization cycle finished",
		"duration", c.now().Sub(start),
		"tasks", report.AtoB.Tasks+report.BtoA.Tasks,
		"changed", report.AtoB.Changed+report.BtoA.Changed,
		"failed", report.AtoB.Failed+report.BtoA.Failed)
	return report, nil
}

// Run runs a cycle immediately and then once per interval until ctx is done.
// A failed cycle is logged and the next one proceeds normally.
func (c *Cycle) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	c.log.Info("synchronizer started", "interval", interval)

	c.tick(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("synchronizer stopping")
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Cycle) tick(ctx context.Context) {
	if _, err := c.RunOnce(ctx); err != nil {
		c.log.Error("synchronization cycle failed", "error", err)
	}
}
