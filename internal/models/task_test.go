package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"":       PriorityNormal,
		"low":    PriorityLow,
		"NORMAL": PriorityNormal,
		" high ": PriorityHigh,
		"urgent": PriorityUrgent,
	}
	for in, want := range cases {
		got, err := ParsePriority(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePriority("critical")
	assert.Error(t, err)
}

func TestPriorityJSON(t *testing.T) {
	raw, err := json.Marshal(struct {
		P Priority `json:"p"`
	}{PriorityUrgent})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":"urgent"}`, string(raw))

	var out struct {
		P Priority `json:"p"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"p":"low"}`), &out))
	assert.Equal(t, PriorityLow, out.P)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusRunning))
	assert.True(t, CanTransition(StatusRunning, StatusPending))
	assert.True(t, CanTransition(StatusScheduled, StatusCancelled))
	assert.False(t, CanTransition(StatusRunning, StatusCancelled))
	assert.False(t, CanTransition(StatusCompleted, StatusPending))
	assert.False(t, CanTransition(StatusCancelled, StatusPending))
	assert.False(t, CanTransition(StatusFailed, StatusRunning))
}

func TestTaskReady(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Minute)

	assert.True(t, Task{Status: StatusPending}.Ready(now))
	assert.False(t, Task{Status: StatusScheduled}.Ready(now))
	assert.False(t, Task{Status: StatusPending, ScheduledTime: &later}.Ready(now))
	assert.True(t, Task{Status: StatusPending, ScheduledTime: &earlier}.Ready(now))
	assert.False(t, Task{Status: StatusPending, NextAttemptAt: &later}.Ready(now))
	assert.True(t, Task{Status: StatusPending, ScheduledTime: &now}.Ready(now))
}

func TestRunsBefore(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	low := Task{ID: "a", Priority: PriorityLow, CreatedAt: t0}
	urgent := Task{ID: "b", Priority: PriorityUrgent, CreatedAt: t0.Add(time.Second)}
	assert.True(t, urgent.RunsBefore(low))
	assert.False(t, low.RunsBefore(urgent))

	first := Task{ID: "z", Priority: PriorityNormal, CreatedAt: t0}
	second := Task{ID: "a", Priority: PriorityNormal, CreatedAt: t0.Add(time.Second)}
	assert.True(t, first.RunsBefore(second))
}

func TestCloneIsDeep(t *testing.T) {
	at := time.Now()
	orig := Task{Tags: []string{"a"}, ScheduledTime: &at, LastError: StrPtr("x")}
	cp := orig.Clone()
	cp.Tags[0] = "b"
	*cp.LastError = "y"
	assert.Equal(t, "a", orig.Tags[0])
	assert.Equal(t, "x", *orig.LastError)
}

func TestDefaultTitle(t *testing.T) {
	assert.Equal(t, "clip one", DefaultTitle("/videos/clip one.mp4"))
}

func TestFilterMatch(t *testing.T) {
	task := Task{Status: StatusPending, Platform: "tiktok"}
	assert.True(t, Filter{}.Match(task))
	assert.True(t, Filter{Status: StatusPending, Platform: "tiktok"}.Match(task))
	assert.False(t, Filter{Platform: "instagram"}.Match(task))
	assert.False(t, Filter{Status: StatusFailed}.Match(task))
}
