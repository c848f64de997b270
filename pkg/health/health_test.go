package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode Mode
		want string
	}{
		{ModeHealthy, "healthy"},
		{ModeDegraded, "degraded"},
		{ModeUnavailable, "unavailable"},
		{Mode(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.mode.String())
	}
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		snapshot    Snapshot
		want        Mode
		wantReasons int
	}{
		{name: "all routable", snapshot: Snapshot{Loaded: 3, Routable: 3}, want: ModeHealthy},
		{name: "nothing loaded", snapshot: Snapshot{}, want: ModeUnavailable, wantReasons: 1},
		{name: "every breaker open", snapshot: Snapshot{Loaded: 2, OpenBreakers: 2}, want: ModeUnavailable, wantReasons: 1},
		{name: "one breaker open", snapshot: Snapshot{Loaded: 3, Routable: 2, OpenBreakers: 1}, want: ModeDegraded, wantReasons: 1},
		{name: "shed adapters", snapshot: Snapshot{Loaded: 3, Routable: 1, Disabled: 2}, want: ModeDegraded, wantReasons: 1},
		{name: "retry backlog", snapshot: Snapshot{Loaded: 1, Routable: 1, DeadLetterDepth: 100}, want: ModeDegraded, wantReasons: 1},
		{
			name:        "several findings",
			snapshot:    Snapshot{Loaded: 4, Routable: 1, Disabled: 1, OpenBreakers: 1, Errored: 1, Emergency: true},
			want:        ModeDegraded,
			wantReasons: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mode, reasons := Evaluate(tt.snapshot, DefaultConfig())
			assert.Equal(t, tt.want, mode)
			assert.Len(t, reasons, tt.wantReasons)
		})
	}
}

func TestTrackerReportsChanges(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	tracker := NewTracker(DefaultConfig(), func() time.Time { return now })
	require.Equal(t, ModeUnavailable, tracker.Current().Mode)

	type change struct{ from, to Mode }
	var changes []change
	tracker.OnModeChange(func(from, to Mode, _ []string) {
		changes = append(changes, change{from, to})
	})

	now = now.Add(time.Minute)
	a := tracker.Update(Snapshot{Loaded: 2, Routable: 2})
	assert.Equal(t, ModeHealthy, a.Mode)
	assert.Equal(t, now, a.Since)

	tracker.Update(Snapshot{Loaded: 2, Routable: 2})
	tracker.Update(Snapshot{Loaded: 2, Routable: 1, OpenBreakers: 1})

	assert.Equal(t, []change{{ModeUnavailable, ModeHealthy}, {ModeHealthy, ModeDegraded}}, changes)
	assert.Equal(t, []string{"1 breaker(s) open"}, tracker.Current().Reasons)
}
