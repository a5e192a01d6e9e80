package configctl

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingSubModule struct {
	name  string
	calls int32
}

func (m *countingSubModule) Name() string                                { return m.name }
func (m *countingSubModule) ShouldRunImmediately(now time.Time) bool     { return true }
func (m *countingSubModule) CurrentInterval(now time.Time) time.Duration { return time.Hour }
func (m *countingSubModule) Run(ctx context.Context) error {
	atomic.AddInt32(&m.calls, 1)
	return nil
}

func TestController_StartRunsPastDueSubModulesImmediately(t *testing.T) {
	m := &countingSubModule{name: "test"}
	c := New([]SubModule{m}, nil)
	c.Start(context.Background())
	defer c.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&m.calls) >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestController_RunNowExecutesNamedSubModuleOutOfBand(t *testing.T) {
	m := &countingSubModule{name: "test"}
	c := New([]SubModule{m}, nil)

	require.NoError(t, c.RunNow(context.Background(), "test"))
	require.Equal(t, int32(1), atomic.LoadInt32(&m.calls))
}

func TestController_RunNowIgnoresUnknownName(t *testing.T) {
	c := New(nil, nil)
	require.NoError(t, c.RunNow(context.Background(), "missing"))
}

func TestController_StopIsIdempotent(t *testing.T) {
	c := New([]SubModule{&countingSubModule{name: "test"}}, nil)
	c.Start(context.Background())
	c.Stop()
	c.Stop()
}
