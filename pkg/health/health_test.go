package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker(t *testing.T) {
	ctx := context.Background()
	checker := NewChecker()

	assert.Equal(t, StatusHealthy, checker.GetOverallStatus())

	checker.Register("postgres", func(context.Context) error { return nil })
	checker.Register("redis", func(context.Context) error { return errors.New("connection refused") })
	checker.RunAll(ctx)

	assert.Equal(t, StatusDegraded, checker.GetOverallStatus())

	checks := checker.GetAllChecks()
	require.Len(t, checks, 2)
	assert.Equal(t, "postgres", checks[0].Name)
	assert.Equal(t, StatusHealthy, checks[0].Status)
	assert.Equal(t, "redis", checks[1].Name)
	assert.Equal(t, "connection refused", checks[1].Message)

	checker.RunCheck(ctx, "postgres", func(context.Context) error { return errors.New("down") })
	assert.Equal(t, StatusUnhealthy, checker.GetOverallStatus())
}

func TestLastHealthyTimeOnlyAdvancesWhenAllChecksPass(t *testing.T) {
	ctx := context.Background()
	checker := NewChecker()
	start := checker.GetLastHealthyTime()

	time.Sleep(5 * time.Millisecond)
	checker.RunCheck(ctx, "postgres", func(context.Context) error { return errors.New("down") })
	assert.Equal(t, start, checker.GetLastHealthyTime())

	time.Sleep(5 * time.Millisecond)
	checker.RunCheck(ctx, "postgres", func(context.Context) error { return nil })
	assert.True(t, checker.GetLastHealthyTime().After(start))
}
