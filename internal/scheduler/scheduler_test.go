package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCronExpression(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "*/5 * * * *", want: "0 */5 * * * *"},
		{in: "0 */5 * * * *", want: "0 */5 * * * *"},
		{in: "@every 1h", want: "@every 1h"},
		{in: "", wantErr: true},
		{in: "* * *", wantErr: true},
	}
	for _, c := range cases {
		got, err := NormalizeCronExpression(c.in)
		if c.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestScheduler_FiresJobOnSchedule(t *testing.T) {
	var fired atomic.Int32
	jobs := []Job{
		{
			Name:     "tick",
			Schedule: "@every 50ms",
			Run: func(ctx context.Context) error {
				fired.Add(1)
				return nil
			},
		},
	}

	s, err := New(nil, jobs)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool { return fired.Load() >= 2 }, time.Second, 10*time.Millisecond)
}

func TestScheduler_StartTwiceErrors(t *testing.T) {
	s, err := New(nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	assert.Error(t, s.Start(ctx))
}
