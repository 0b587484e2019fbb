package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusPublished, true},
		{StatusPending, StatusFailed, true},
		{StatusFailed, StatusPublished, true},
		{StatusFailed, StatusFailed, true},
		{StatusPublished, StatusFailed, false},
		{StatusPublished, StatusPending, false},
		{StatusFailed, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			require.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestOutboxRecord_MarkFailedThenPublished(t *testing.T) {
	r := NewRecord("COURSE_CREATED", 7, []byte(`{}`))
	require.Equal(t, StatusPending, r.Status)

	require.NoError(t, r.MarkFailed(errors.New("broker down")))
	require.Equal(t, StatusFailed, r.Status)
	require.Equal(t, 1, r.RetryCount)
	require.Equal(t, "broker down", *r.ErrorMessage)

	now := time.Now()
	require.NoError(t, r.MarkPublished(now))
	require.Equal(t, StatusPublished, r.Status)
	require.Equal(t, now, *r.PublishedAt)
	require.Nil(t, r.ErrorMessage)
	require.Equal(t, 1, r.RetryCount)
}

func TestOutboxRecord_PublishedIsTerminal(t *testing.T) {
	r := NewRecord("COURSE_UPDATED", 7, []byte(`{}`))
	require.NoError(t, r.MarkPublished(time.Now()))

	require.ErrorIs(t, r.MarkFailed(errors.New("late")), ErrIllegalTransition)
	require.ErrorIs(t, r.MarkPublished(time.Now()), ErrIllegalTransition)
	require.Equal(t, 0, r.RetryCount)
}

func TestOutboxRecord_Exhausted(t *testing.T) {
	now := time.Now()

	fresh := &OutboxRecord{Status: StatusFailed, RetryCount: 2, CreatedAt: now.Add(-time.Hour)}
	require.False(t, fresh.Exhausted(3, 24*time.Hour, now))

	spent := &OutboxRecord{Status: StatusFailed, RetryCount: 3, CreatedAt: now.Add(-time.Hour)}
	require.True(t, spent.Exhausted(3, 24*time.Hour, now))

	stale := &OutboxRecord{Status: StatusFailed, RetryCount: 1, CreatedAt: now.Add(-25 * time.Hour)}
	require.True(t, stale.Exhausted(3, 24*time.Hour, now))

	pending := &OutboxRecord{Status: StatusPending, RetryCount: 5}
	require.False(t, pending.Exhausted(3, 24*time.Hour, now))
}

func TestTruncateError(t *testing.T) {
	require.Equal(t, "short", TruncateError("short"))

	long := strings.Repeat("é", MaxErrorLength+20)
	got := TruncateError(long)
	require.Equal(t, MaxErrorLength, len([]rune(got)))
}
