package handlers

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"sector7g/internal/broker"
	"sector7g/internal/queue"
	logx "sector7g/pkg/logx"
)

const (
	HomerSim        = "homer_sim"
	LennySim        = "lenny_sim"
	CarlSim         = "carl_sim"
	CharlieSim      = "charlie_sim"
	InanimateRodSim = "inanimate_rod_sim"
	GrimeySim       = "grimey_sim"
)

// sim is a synthetic workload: it works for a random time inside [min, max)
// and fails with probability failRate. Failures are plain errors so they go
// through the retry path.
type sim struct {
	name       string
	character  string
	min, max   time.Duration
	failRate   float64
	failure    string
	activities []string
}

var sims = []sim{
	{HomerSim, "homer", 6 * time.Second, 12 * time.Second, 0.25, "D'oh! Homer failed: %s", []string{
		"Press random buttons on console",
		"Read donut catalog instead of safety manual",
		"Google 'is plutonium spicy'",
		"Hide Duff beer in filing cabinet",
		"Practice bowling swing in control room",
		"Call Marge to complain about work",
	}},
	{LennySim, "lenny", 300 * time.Millisecond, time.Second, 0.02, "Lenny hit a snag: %s", []string{
		"Calibrate pressure gauge #47",
		"Log coolant temperature reading",
		"Update reactor output spreadsheet",
		"Review morning safety checklist",
		"Check fire extinguisher expiration dates",
		"Verify emergency exit signage",
	}},
	{CarlSim, "carl", 300 * time.Millisecond, time.Second, 0.01, "Carl encountered an issue: %s", []string{
		"Update personnel attendance log",
		"Process visitor badge request",
		"File quarterly compliance report",
		"Schedule conference room for safety meeting",
		"Order replacement PPE for Sector 7G",
		"Review overtime authorization requests",
	}},
	{CharlieSim, "charlie", 500 * time.Millisecond, 2 * time.Second, 0.03, "Charlie ran into trouble: %s", []string{
		"Refill coffee pot in break room",
		"Replace burnt-out hallway light",
		"Sweep up donut crumbs from Sector 7G",
		"Fix paper jam in copy machine",
		"Water the office plants",
		"Tape up motivational poster Homer ripped",
	}},
	{InanimateRodSim, "inanimate_rod", 500 * time.Millisecond, 2 * time.Second, 0.01, "In Rod we trust, but: %s", []string{
		"Maintain structural integrity",
		"Win Employee of the Month (again)",
		"Outperform entire Sector 7G staff",
		"Hold door open during emergency",
		"Prop up sagging ceiling tile",
		"Provide moral support to control rods",
	}},
	{GrimeySim, "grimey", 10 * time.Second, 20 * time.Second, 0, "", []string{
		"Audit Homer's safety inspection records (posthumously)",
		"Grade Homer's safety exam (score: -4)",
		"Document every code violation in Sector 7G",
		"Write strongly-worded memo about donut crumbs on control panel",
		"Cross-reference Homer's attendance with Moe's Tavern hours",
		"Fact-check Homer's resume (88% fabricated)",
	}},
}

// dice is a goroutine safe random source shared by the simulations.
type dice struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newDice(seed uint64) *dice {
	if seed == 0 {
		return &dice{r: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
	}
	return &dice{r: rand.New(rand.NewPCG(seed, seed))}
}

func (d *dice) float() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.r.Float64()
}

func (d *dice) intN(n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.r.IntN(n)
}

type simPayload struct {
	Activity string    `json:"activity"`
	Duration *Duration `json:"duration"`
	FailRate *float64  `json:"fail_rate"`
}

type simResult struct {
	Task       string  `json:"task"`
	Character  string  `json:"character"`
	Status     string  `json:"status"`
	Activity   string  `json:"activity"`
	DurationMS float64 `json:"duration_ms"`
}

func (s sim) handler(log logx.Logger, d *dice) queue.Handler {
	return func(ctx context.Context, job *broker.Job) error {
		var p simPayload
		if err := decode(job, &p); err != nil {
			return err
		}
		activity := p.Activity
		if activity == "" {
			activity = s.activities[d.intN(len(s.activities))]
		}
		work := s.min + time.Duration(d.float()*float64(s.max-s.min))
		if p.Duration != nil {
			work = time.Duration(*p.Duration)
		}
		rate := s.failRate
		if p.FailRate != nil {
			rate = *p.FailRate
		}
		log.Info("sim", logx.String("job_id", job.ID), logx.String("character", s.character), logx.String("activity", activity))

		start := time.Now()
		t := time.NewTimer(work)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if rate > 0 && d.float() < rate {
			return fmt.Errorf(s.failure, activity)
		}
		return queue.SetResult(ctx, simResult{
			Task:       s.character + "_simulation",
			Character:  s.character,
			Status:     "completed",
			Activity:   activity,
			DurationMS: float64(time.Since(start).Microseconds()) / 1000,
		})
	}
}
