package admission

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestInflightGuard_ShedsOverCap(t *testing.T) {
	guard := NewInflightGuard(2, zap.NewNop())

	r1, ok := guard.Acquire("execute")
	require.True(t, ok)
	r2, ok := guard.Acquire("execute")
	require.True(t, ok)

	_, ok = guard.Acquire("execute")
	assert.False(t, ok, "third acquisition must be shed")

	// Other classes have their own budget.
	r3, ok := guard.Acquire("ai")
	assert.True(t, ok)
	r3()

	r1()
	_, ok = guard.Acquire("execute")
	assert.True(t, ok, "slot reopens after release")
	r2()
}

func TestInflightGuard_ReleaseIdempotent(t *testing.T) {
	guard := NewInflightGuard(2, zap.NewNop())

	release, ok := guard.Acquire("execute")
	require.True(t, ok)
	assert.Equal(t, 1, guard.Current("execute"))

	// Completion and disconnect paths may both fire.
	release()
	release()
	release()
	assert.Equal(t, 0, guard.Current("execute"))
}

func TestInflightGuard_DisabledWhenMaxZero(t *testing.T) {
	guard := NewInflightGuard(0, zap.NewNop())

	releases := make([]func(), 0, 50)
	for i := 0; i < 50; i++ {
		release, ok := guard.Acquire("ai")
		require.True(t, ok)
		releases = append(releases, release)
	}
	for _, release := range releases {
		release()
	}
	assert.Equal(t, 0, guard.Current("ai"))
}

func TestInflightGuard_PeakTracking(t *testing.T) {
	guard := NewInflightGuard(10, zap.NewNop())

	r1, _ := guard.Acquire("ai")
	r2, _ := guard.Acquire("ai")
	r3, _ := guard.Acquire("ai")
	r1()
	r2()
	r3()

	assert.Equal(t, 0, guard.Current("ai"))
	assert.Equal(t, 3, guard.Peak("ai"))
}

func TestInflightGuard_ConcurrentChurn(t *testing.T) {
	guard := NewInflightGuard(8, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, ok := guard.Acquire("execute")
			if ok {
				release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, guard.Current("execute"))
	assert.LessOrEqual(t, guard.Peak("execute"), 8)
}
