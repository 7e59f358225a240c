package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseISODuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"PT30S", 30 * time.Second},
		{"PT10M", 10 * time.Minute},
		{"PT1H", time.Hour},
		{"PT1H30M", 90 * time.Minute},
		{"P3D", 72 * time.Hour},
		{"P1DT12H", 36 * time.Hour},
		{"P0D", 0},
		{"PT0S", 0},
	}

	for _, tc := range cases {
		got, err := ParseISODuration(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"", "3D", "P", "PT", "PT5X", "P3W", "soon"} {
		_, err := ParseISODuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestTimerDefinitionNextDue(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

	due, err := TimerDefinition{Duration: "PT15M"}.NextDue(now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(15*time.Minute), due)

	// Daily at midnight.
	due, err = TimerDefinition{Cycle: "0 0 * * *"}.NextDue(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), due)

	_, err = TimerDefinition{Cycle: "not a cron"}.NextDue(now)
	assert.Error(t, err)
}

func TestRetryPolicyNextDelay(t *testing.T) {
	p := RetryPolicy{
		InitialInterval: time.Second,
		MaximumInterval: time.Minute,
		MaximumAttempts: 5,
		Coefficient:     2.0,
	}

	delay, ok := p.NextDelay(1)
	require.True(t, ok)
	assert.Equal(t, time.Second, delay)

	delay, ok = p.NextDelay(2)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, delay)

	delay, ok = p.NextDelay(4)
	require.True(t, ok)
	assert.Equal(t, 8*time.Second, delay)

	_, ok = p.NextDelay(5)
	assert.False(t, ok)

	// Backoff is capped at the maximum interval.
	p.MaximumAttempts = 20
	delay, ok = p.NextDelay(15)
	require.True(t, ok)
	assert.Equal(t, time.Minute, delay)
}

func TestActivityTaskIdempotencyKey(t *testing.T) {
	task := ActivityTask{ExecutionID: "exec-1", NodeID: "charge", Attempt: 2}
	assert.Equal(t, "exec-1:charge:2", task.IdempotencyKey())
}

func TestFromAny(t *testing.T) {
	v, err := FromAny(42)
	require.NoError(t, err)
	assert.Equal(t, IntegerValue(42), v)

	// Whole floats stay integers so JSON round trips do not widen counters.
	v, err = FromAny(3.0)
	require.NoError(t, err)
	assert.Equal(t, IntegerValue(3), v)

	v, err = FromAny(3.5)
	require.NoError(t, err)
	assert.Equal(t, NumberValue(3.5), v)

	v, err = FromAny(map[string]any{"a": []any{1, "two"}})
	require.NoError(t, err)
	assert.Equal(t, ObjectValue(map[string]Value{
		"a": ArrayValue([]Value{IntegerValue(1), StringValue("two")}),
	}), v)

	v, err = FromAny(nil)
	require.NoError(t, err)
	assert.True(t, v.IsNull())

	_, err = FromAny(struct{}{})
	assert.Error(t, err)
}

func TestValueEqual(t *testing.T) {
	// Integers and numbers share one numeric domain.
	assert.True(t, IntegerValue(3).Equal(NumberValue(3.0)))
	assert.False(t, IntegerValue(3).Equal(NumberValue(3.5)))
	assert.True(t, Null().Equal(Value{}))
	assert.False(t, StringValue("3").Equal(IntegerValue(3)))
	assert.True(t, ArrayValue([]Value{IntegerValue(1)}).Equal(ArrayValue([]Value{IntegerValue(1)})))
	assert.False(t, ArrayValue([]Value{IntegerValue(1)}).Equal(ArrayValue(nil)))
}

func TestValueCompare(t *testing.T) {
	cmp, ok := IntegerValue(2).Compare(NumberValue(2.5))
	require.True(t, ok)
	assert.Negative(t, cmp)

	cmp, ok = StringValue("b").Compare(StringValue("a"))
	require.True(t, ok)
	assert.Positive(t, cmp)

	_, ok = StringValue("1").Compare(IntegerValue(1))
	assert.False(t, ok)
}

func TestValueTruthy(t *testing.T) {
	assert.False(t, Null().Truthy())
	assert.False(t, IntegerValue(0).Truthy())
	assert.True(t, NumberValue(0.1).Truthy())
	assert.False(t, StringValue("").Truthy())
	assert.True(t, StringValue("x").Truthy())
	assert.False(t, ArrayValue(nil).Truthy())
	assert.True(t, ObjectValue(map[string]Value{"k": Null()}).Truthy())
}

func TestValueInterface(t *testing.T) {
	assert.Equal(t, int64(7), IntegerValue(7).Interface())
	assert.Equal(t, 7.5, NumberValue(7.5).Interface())
	assert.Nil(t, Null().Interface())

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "2026-01-02T03:04:05Z", DateTimeValue(at).Interface())

	got := ArrayValue([]Value{IntegerValue(1), StringValue("a")}).Interface()
	assert.Equal(t, []any{int64(1), "a"}, got)
}

func TestHistoryEntryPayloadAccessors(t *testing.T) {
	e := NewHistoryEntry("exec-1", HistoryExecutionStarted, map[string]any{
		"node":    "start",
		"attempt": 3,
		"final":   true,
	})

	assert.Equal(t, "exec-1", e.ExecutionID)
	assert.Equal(t, "start", e.PayloadString("node"))
	assert.Equal(t, 3, e.PayloadInt("attempt"))
	assert.True(t, e.PayloadBool("final"))
	assert.Equal(t, "", e.PayloadString("missing"))
	assert.Equal(t, 0, e.PayloadInt("missing"))
}
