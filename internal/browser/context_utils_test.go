// internal/browser/context_utils_test.go
package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestCombineContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	type ctxKey string
	const key ctxKey = "tab"

	t.Run("ValuesComeFromTabContext", func(t *testing.T) {
		tabCtx := context.WithValue(context.Background(), key, "target-1")
		combined, cancel := CombineContext(tabCtx, context.Background())
		defer cancel()

		assert.Equal(t, "target-1", combined.Value(key))
		assert.NoError(t, combined.Err())
	})

	t.Run("CanceledByOperationContext", func(t *testing.T) {
		opCtx, cancelOp := context.WithCancel(context.Background())
		combined, cancel := CombineContext(context.Background(), opCtx)
		defer cancel()

		cancelOp()
		assert.Eventually(t, func() bool { return combined.Err() != nil },
			100*time.Millisecond, 5*time.Millisecond)
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})

	t.Run("CanceledByTabContext", func(t *testing.T) {
		tabCtx, cancelTab := context.WithCancel(context.Background())
		combined, cancel := CombineContext(tabCtx, context.Background())
		defer cancel()

		cancelTab()
		<-combined.Done()
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})
}

func TestDetach(t *testing.T) {
	type ctxKey string
	const key ctxKey = "tab"

	parent, cancel := context.WithTimeout(context.WithValue(context.Background(), key, "v"), time.Millisecond)
	cancel()

	detached := Detach(parent)
	require.Error(t, parent.Err())
	assert.NoError(t, detached.Err())
	assert.Nil(t, detached.Done())
	assert.Equal(t, "v", detached.Value(key))

	_, hasDeadline := detached.Deadline()
	assert.False(t, hasDeadline)
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
	assert.NoError(t, Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
