package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	c := DefaultConfig()
	c.InitialDelay = time.Millisecond
	c.MaxDelay = 2 * time.Millisecond
	return c
}

func TestDo_RetriesDeadlocks(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &mysqlDriver.MySQLError{Number: 1213, Message: "Deadlock found"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("syntax error")
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		calls++
		return fmt.Errorf("attempt %d: lock wait timeout exceeded", calls)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "attempt 3")
}

func TestDo_Disabled(t *testing.T) {
	c := fastConfig()
	c.Enabled = false
	calls := 0
	_ = Do(context.Background(), c, func(context.Context) error {
		calls++
		return errors.New("deadlock")
	})
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, fastConfig(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryable(t *testing.T) {
	errConflict := errors.New("conflict")
	c := DefaultConfig().WithPredicate(func(err error) bool { return errors.Is(err, errConflict) })

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadlock", &mysqlDriver.MySQLError{Number: 1213}, true},
		{"lock timeout", &mysqlDriver.MySQLError{Number: 1205}, true},
		{"duplicate key", &mysqlDriver.MySQLError{Number: 1062}, false},
		{"sqlite busy", errors.New("database is locked"), true},
		{"predicate", fmt.Errorf("wrapped: %w", errConflict), true},
		{"canceled", context.Canceled, false},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err, c))
		})
	}
}

func TestBackoff(t *testing.T) {
	c := DefaultConfig()
	c.JitterEnabled = false

	assert.Equal(t, time.Duration(0), Backoff(0, c))
	assert.Equal(t, 50*time.Millisecond, Backoff(1, c))
	assert.Equal(t, 100*time.Millisecond, Backoff(2, c))
	assert.Equal(t, 2*time.Second, Backoff(20, c))

	c.JitterEnabled = true
	d := Backoff(1, c)
	assert.GreaterOrEqual(t, d, 40*time.Millisecond)
	assert.LessOrEqual(t, d, 60*time.Millisecond)
}
