package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("db", func(ctx context.Context) Status { return StatusOK })
	c.Register("tenants", func(ctx context.Context) Status { return StatusOK })

	r := c.Run(context.Background())
	assert.True(t, r.Ready)
	assert.Len(t, r.Checks, 2)
}

func TestChecker_OneDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("db", func(ctx context.Context) Status { return StatusDown })
	c.Register("tenants", func(ctx context.Context) Status { return StatusOK })

	r := c.Run(context.Background())
	assert.False(t, r.Ready)
	assert.Equal(t, StatusDown, r.Checks["db"])
}

func TestChecker_DegradedIsStillReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("tenants", MinimumCheck(func() int { return 0 }, 1))

	r := c.Run(context.Background())
	assert.True(t, r.Ready)
	assert.Equal(t, StatusDegraded, r.Checks["tenants"])
}

func TestChecker_NoChecks(t *testing.T) {
	assert.True(t, NewChecker(zerolog.Nop()).Run(context.Background()).Ready)
}

func TestChecker_ChecksGetDeadline(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.timeout = 10 * time.Millisecond
	c.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return StatusDown
	})

	assert.False(t, c.Run(context.Background()).Ready)
}

func TestPingCheck(t *testing.T) {
	assert.Equal(t, StatusOK, PingCheck(fakePinger{})(context.Background()))
	assert.Equal(t, StatusDown, PingCheck(fakePinger{err: errors.New("closed")})(context.Background()))
}
