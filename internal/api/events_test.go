package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelworks/reel/internal/broadcast"
	"github.com/reelworks/reel/internal/domain"
)

// sseEvent is one parsed frame from the wire.
type sseEvent struct {
	name string
	data string
}

// readSSE parses frames off the stream until the run reaches a terminal
// transition or the stream ends.
func readSSE(t *testing.T, body *bufio.Scanner) []sseEvent {
	t.Helper()
	var (
		events  []sseEvent
		current sseEvent
	)
	for body.Scan() {
		line := body.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "" && current.name != "":
			events = append(events, current)
			if current.name == string(broadcast.EventTransition) &&
				strings.Contains(current.data, "done") {
				return events
			}
			current = sseEvent{}
		}
	}
	return events
}

func TestRunEventsStream(t *testing.T) {
	ts := newTestServer(t)
	plan := ts.seedPlan(t, 1)

	httpSrv := httptest.NewServer(ts.router)
	defer httpSrv.Close()

	// Slow the pipeline so the stream attaches before the run finishes.
	ts.dry.Set(true, "", 100)
	run, err := ts.eng.Enqueue(context.Background(), plan.ID)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet,
		httpSrv.URL+"/api/v1/runs/"+run.ID.String()+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, bufio.NewScanner(resp.Body))
	require.NotEmpty(t, events)

	// A state snapshot arrives near the head of the stream; the terminal
	// transition closes it out.
	var sawState bool
	for _, ev := range events {
		if ev.name == string(broadcast.EventState) {
			sawState = true
		}
	}
	assert.True(t, sawState, "expected a state snapshot frame")
	last := events[len(events)-1]
	assert.Equal(t, string(broadcast.EventTransition), last.name)
	assert.Contains(t, last.data, `"to":"done"`)

	// The subscriber attaches concurrently with the first step, so it sees
	// at least the later steps begin.
	var stepStarts int
	for _, ev := range events {
		if ev.name == string(broadcast.EventStepStart) {
			stepStarts++
		}
	}
	assert.GreaterOrEqual(t, stepStarts, 1)
	assert.LessOrEqual(t, stepStarts, len(domain.Steps))
}

func TestRunEventsJSONFallback(t *testing.T) {
	ts := newTestServer(t)
	plan := ts.seedPlan(t, 1)

	run, err := ts.eng.Enqueue(context.Background(), plan.ID)
	require.NoError(t, err)
	ts.waitForStatus(t, run.ID, domain.RunStatusDone)

	rec := ts.do(t, http.MethodGet, "/api/v1/runs/"+run.ID.String()+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot broadcast.StatePayload
	decode(t, rec, &snapshot)
	assert.Equal(t, domain.RunStatusDone, snapshot.Status)
	assert.Equal(t, 100, snapshot.Progress)
	assert.NotEmpty(t, snapshot.Logs)
}

func TestRunEventsUnknownRun(t *testing.T) {
	ts := newTestServer(t)

	httpSrv := httptest.NewServer(ts.router)
	defer httpSrv.Close()

	req, err := http.NewRequest(http.MethodGet,
		httpSrv.URL+"/api/v1/runs/"+uuid.New().String()+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSSELimiter(t *testing.T) {
	l := NewSSELimiter()

	for i := 0; i < MaxSSEPerIP; i++ {
		require.True(t, l.Acquire("10.0.0.1"))
	}
	assert.False(t, l.Acquire("10.0.0.1"), "per-IP cap should reject")
	assert.True(t, l.Acquire("10.0.0.2"), "other IPs are unaffected")

	l.Release("10.0.0.1")
	assert.True(t, l.Acquire("10.0.0.1"), "release frees a slot")

	assert.Equal(t, int64(MaxSSEPerIP), l.IPCount("10.0.0.1"))
	assert.Equal(t, int64(MaxSSEPerIP+1), l.GlobalCount())
}
