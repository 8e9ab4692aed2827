package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sector7g/internal/eventbus"
)

func TestObserveJobAndSchedule(t *testing.T) {
	c := New()
	c.Observe(eventbus.Event{Type: eventbus.TypeJob, Data: eventbus.JobEvent{
		Queue: "lenny", Handler: "echo", Outcome: eventbus.JobSucceeded, Latency: 20 * time.Millisecond,
	}})
	c.Observe(eventbus.Event{Type: eventbus.TypeJob, Data: eventbus.JobEvent{
		Queue: "lenny", Handler: "echo", Outcome: eventbus.JobFailed, TimedOut: true,
	}})
	c.Observe(eventbus.Event{Type: eventbus.TypeSchedule, Data: eventbus.ScheduleEvent{
		EntryID: "system_health_check", Outcome: eventbus.ScheduleFired,
	}})
	c.Observe(eventbus.Event{Type: "other", Data: 42})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobs.WithLabelValues("lenny", "echo", eventbus.JobSucceeded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobs.WithLabelValues("lenny", "echo", eventbus.JobFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobTimeouts.WithLabelValues("lenny", "echo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.schedules.WithLabelValues("system_health_check", eventbus.ScheduleFired)))
}

func TestQueueGaugesKeepUnknownDepth(t *testing.T) {
	c := New()
	c.SetQueueGauges("homer", 7, 2)
	c.SetQueueGauges("homer", -1, 1)
	assert.Equal(t, 7.0, testutil.ToFloat64(c.depth.WithLabelValues("homer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.inFlight.WithLabelValues("homer")))
}

func TestRunConsumesBus(t *testing.T) {
	c := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, bus) }()

	ctr := c.schedules.WithLabelValues("nightly", eventbus.ScheduleClaimLost)
	require.Eventually(t, func() bool {
		eventbus.PublishSchedule(bus, eventbus.ScheduleEvent{EntryID: "nightly", Outcome: eventbus.ScheduleClaimLost})
		return testutil.ToFloat64(ctr) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestHandlerExposesNamespace(t *testing.T) {
	c := New()
	c.SetQueueGauges("carl", 3, 0)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), `sector7g_queue_depth{queue="carl"} 3`))
}
