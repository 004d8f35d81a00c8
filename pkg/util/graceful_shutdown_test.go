package util

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testShutdownLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestShutdownRunsInPriorityOrder(t *testing.T) {
	gs := NewGracefulShutdown(testShutdownLogger(), time.Second)

	var order []string
	step := func(name string) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	gs.Register(ShutdownResource{Name: "state", Priority: 20, Shutdown: step("state")})
	gs.Register(ShutdownResource{Name: "listener", Priority: 10, Shutdown: step("listener")})
	gs.Register(ShutdownResource{Name: "logs", Priority: 30, Shutdown: step("logs")})

	require.NoError(t, gs.Shutdown(context.Background()))
	assert.Equal(t, []string{"listener", "state", "logs"}, order)
}

func TestShutdownReportsFailures(t *testing.T) {
	gs := NewGracefulShutdown(testShutdownLogger(), time.Second)

	gs.Register(ShutdownResource{
		Name:     "broken",
		Priority: 10,
		Shutdown: func(context.Context) error { return errors.New("nope") },
	})
	gs.Register(ShutdownResource{
		Name:     "fine",
		Priority: 20,
		Shutdown: func(context.Context) error { return nil },
	})

	err := gs.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.NotContains(t, err.Error(), "fine")
}

func TestShutdownRecoversFromPanic(t *testing.T) {
	gs := NewGracefulShutdown(testShutdownLogger(), time.Second)

	gs.Register(ShutdownResource{
		Name:     "panics",
		Priority: 10,
		Shutdown: func(context.Context) error { panic("boom") },
	})

	err := gs.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panics")
}

func TestShutdownTimesOut(t *testing.T) {
	gs := NewGracefulShutdown(testShutdownLogger(), 50*time.Millisecond)

	gs.Register(ShutdownResource{
		Name:     "hangs",
		Priority: 10,
		Shutdown: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(time.Minute)
			return nil
		},
	})

	start := time.Now()
	err := gs.Shutdown(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

type closeRecorder struct{ closed bool }

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestRegisterCloser(t *testing.T) {
	gs := NewGracefulShutdown(testShutdownLogger(), time.Second)

	recorder := &closeRecorder{}
	gs.RegisterCloser("conn", recorder, 10)

	require.NoError(t, gs.Shutdown(context.Background()))
	assert.True(t, recorder.closed)
}
