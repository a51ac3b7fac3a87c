package focus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRealScheduler_SubmitRunsConcurrently(t *testing.T) {
	s := NewScheduler(4)
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make([]int, 0, 4)

	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		s.Submit(func() {
			defer wg.Done()
			mu.Lock()
			results = append(results, i)
			mu.Unlock()
		})
	}
	wg.Wait()
	assert.Len(t, results, 4)
}

func TestRealTimer_CancelIsIdempotentAndSafeFromCallback(t *testing.T) {
	s := NewScheduler(1)
	fired := make(chan struct{}, 1)
	var timer Timer
	timer = s.AfterFunc(time.Millisecond, func() {
		timer.Cancel()
		timer.Cancel()
		fired <- struct{}{}
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	timer.Cancel()
}

func TestRealTimer_CancelBeforeFirePreventsCallback(t *testing.T) {
	s := NewScheduler(1)
	called := false
	timer := s.AfterFunc(50*time.Millisecond, func() { called = true })
	timer.Cancel()
	time.Sleep(100 * time.Millisecond)
	assert.False(t, called)
}

func TestManualScheduler_SubmitRunsSynchronously(t *testing.T) {
	m := NewManualScheduler(time.Unix(0, 0))
	ran := false
	m.Submit(func() { ran = true })
	assert.True(t, ran)
}

func TestManualScheduler_AdvanceFiresDueTimers(t *testing.T) {
	m := NewManualScheduler(time.Unix(0, 0))
	fired := 0
	m.AfterFunc(10*time.Second, func() { fired++ })
	m.AfterFunc(30*time.Second, func() { fired++ })

	m.Advance(15 * time.Second)
	assert.Equal(t, 1, fired)

	m.Advance(20 * time.Second)
	assert.Equal(t, 2, fired)
}

func TestManualScheduler_CancelPreventsFiring(t *testing.T) {
	m := NewManualScheduler(time.Unix(0, 0))
	fired := 0
	timer := m.AfterFunc(10*time.Second, func() { fired++ })
	timer.Cancel()

	m.Advance(20 * time.Second)
	assert.Equal(t, 0, fired)
}

func TestManualScheduler_NowAdvancesWithVirtualClock(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewManualScheduler(start)
	m.Advance(5 * time.Second)
	assert.Equal(t, start.Add(5*time.Second), m.Now())
}
