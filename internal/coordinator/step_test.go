package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStep(t *testing.T) {
	var undone any
	s := NewStep("reserve",
		func(context.Context) (any, error) { return "r-1", nil },
		func(_ context.Context, result any) error { undone = result; return nil },
		WithTimeout(time.Second),
	)

	assert.Equal(t, "reserve", s.Name())
	res, err := s.Execute(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Compensate(context.Background(), res))
	assert.Equal(t, "r-1", undone)

	ts, ok := s.(TimeoutStep)
	require.True(t, ok)
	assert.Equal(t, time.Second, ts.Timeout())
}

func TestNewStepWithoutCompensation(t *testing.T) {
	s := NewStep("notify", func(context.Context) (any, error) { return nil, nil }, nil)
	assert.NoError(t, s.Compensate(context.Background(), nil))
}
