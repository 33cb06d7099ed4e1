package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/domscout/internal/browser"
)

func TestWorker_RunJobIsSerialized(t *testing.T) {
	defer goleak.VerifyNone(t)

	fleet := &fakeFleet{}
	p := newBarePool(testPoolConfig(), fleet.spawn)
	w := newWorker(p, "w1")
	defer w.Shutdown(false)

	var running, peak atomic.Int32
	payload := newFuncPayload(func(ctx context.Context, x *Execution) error {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		job := NewJob(payload, Options{})
		track(t, p, job, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.RunJob(context.Background(), job)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, int64(4), p.Statistics().CompletedJobCount)
	assert.Zero(t, p.PendingJobCounter())
}

func TestWorker_RunJobWithoutBrowserIsANoOp(t *testing.T) {
	defer goleak.VerifyNone(t)

	fleet := &fakeFleet{fail: browser.ErrExecutableMissing}
	p := newBarePool(testPoolConfig(), fleet.spawn)
	w := newWorker(p, "w1")

	var ran atomic.Bool
	job := NewJob(newFuncPayload(func(ctx context.Context, x *Execution) error {
		ran.Store(true)
		return nil
	}), Options{})
	track(t, p, job, nil)

	w.RunJob(context.Background(), job)

	assert.False(t, ran.Load())
	done, err := p.JobDone(job)
	require.NoError(t, err)
	assert.True(t, done, "an abandoned job still counts as done")
	assert.Equal(t, int64(1), p.Statistics().SpawnFailureCount)
	assert.Nil(t, w.Engine())
}

func TestWorker_TransportErrorsAreRetried(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testPoolConfig()
	cfg.JobRetries = 3
	p := newBarePool(cfg, (&fakeFleet{}).spawn)
	w := newWorker(p, "w1")
	defer w.Shutdown(false)

	var attempts atomic.Int32
	job := NewJob(newFuncPayload(func(ctx context.Context, x *Execution) error {
		attempts.Add(1)
		return fmt.Errorf("navigate: %w", browser.ErrTransport)
	}), Options{})
	track(t, p, job, nil)

	w.RunJob(context.Background(), job)

	assert.Equal(t, int32(cfg.JobRetries+1), attempts.Load())
	assert.True(t, job.Failed())
	assert.False(t, job.TimedOut())
	stats := p.Statistics()
	assert.Equal(t, int64(1), stats.FailedCount)
	assert.Zero(t, stats.TimeOutCount)
}

func TestWorker_RecoversAfterTransportError(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newBarePool(testPoolConfig(), (&fakeFleet{}).spawn)
	w := newWorker(p, "w1")
	defer w.Shutdown(false)

	var attempts atomic.Int32
	job := NewJob(newFuncPayload(func(ctx context.Context, x *Execution) error {
		if attempts.Add(1) == 1 {
			return browser.ErrTransport
		}
		return nil
	}), Options{})
	track(t, p, job, nil)

	w.RunJob(context.Background(), job)

	assert.Equal(t, int32(2), attempts.Load())
	assert.False(t, job.Failed())
	assert.Zero(t, p.Statistics().FailedCount)
}

func TestWorker_GenericErrorsAreNotRetried(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newBarePool(testPoolConfig(), (&fakeFleet{}).spawn)
	w := newWorker(p, "w1")
	defer w.Shutdown(false)

	var attempts atomic.Int32
	job := NewJob(newFuncPayload(func(ctx context.Context, x *Execution) error {
		attempts.Add(1)
		return errBoom
	}), Options{})
	track(t, p, job, nil)

	w.RunJob(context.Background(), job)

	assert.Equal(t, int32(1), attempts.Load())
	assert.True(t, job.Failed())
	assert.Equal(t, int64(1), p.Statistics().FailedCount)
}

func TestWorker_PanicsAreContained(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newBarePool(testPoolConfig(), (&fakeFleet{}).spawn)
	w := newWorker(p, "w1")
	defer w.Shutdown(false)

	job := NewJob(newFuncPayload(func(ctx context.Context, x *Execution) error {
		panic("payload bug")
	}), Options{})
	track(t, p, job, nil)

	assert.NotPanics(t, func() { w.RunJob(context.Background(), job) })
	assert.True(t, job.Failed())
	assert.Zero(t, p.PendingJobCounter())
}

func TestWorker_Timeouts(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testPoolConfig()
	cfg.JobTimeout = 30 * time.Millisecond
	cfg.JobRetries = 1

	t.Run("cooperative payload", func(t *testing.T) {
		p := newBarePool(cfg, (&fakeFleet{}).spawn)
		w := newWorker(p, "w1")
		defer w.Shutdown(false)

		var attempts atomic.Int32
		job := NewJob(newFuncPayload(func(ctx context.Context, x *Execution) error {
			attempts.Add(1)
			<-ctx.Done()
			return ctx.Err()
		}), Options{})
		track(t, p, job, nil)

		w.RunJob(context.Background(), job)

		assert.Equal(t, int32(2), attempts.Load())
		assert.True(t, job.TimedOut())
		stats := p.Statistics()
		assert.Equal(t, int64(1), stats.TimeOutCount)
		assert.Equal(t, int64(1), stats.FailedCount)
	})

	t.Run("stuck payload forces a reboot", func(t *testing.T) {
		fleet := &fakeFleet{}
		p := newBarePool(cfg, fleet.spawn)
		w := newWorker(p, "w1")
		defer w.Shutdown(false)

		unblock := make(chan struct{})
		defer close(unblock)
		job := NewJob(newFuncPayload(func(ctx context.Context, x *Execution) error {
			<-unblock
			return nil
		}), Options{})
		track(t, p, job, nil)

		w.RunJob(context.Background(), job)

		assert.True(t, job.TimedOut())
		// One spawn before the first attempt, one before the retry.
		assert.Equal(t, int32(2), fleet.spawned.Load())
	})
}

func TestWorker_TimeToLive(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testPoolConfig()
	cfg.WorkerTimeToLive = 2
	fleet := &fakeFleet{}
	p := newBarePool(cfg, fleet.spawn)
	w := newWorker(p, "w1")
	defer w.Shutdown(false)

	for i := 0; i < 3; i++ {
		job := NewJob(newFuncPayload(nil), Options{})
		track(t, p, job, nil)
		w.RunJob(context.Background(), job)
	}

	assert.Equal(t, int32(2), fleet.spawned.Load())
	assert.Equal(t, 1, w.TimeToLive())
}

func TestWorker_RebootClosesOldEngine(t *testing.T) {
	old := new(mockEngine)
	old.On("Close").Return(nil).Once()

	fleet := &fakeFleet{}
	p := newBarePool(testPoolConfig(), fleet.spawn)
	w := newWorker(p, "w1")
	w.engine = old

	require.NoError(t, w.Reboot(context.Background()))
	old.AssertExpectations(t)
	assert.NotSame(t, old, w.Engine())
	assert.Equal(t, 1001, w.Pid())
	w.Shutdown(false)
}

func TestWorker_ShutdownWaitsForRunningJob(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := new(mockEngine)
	e.On("Alive").Return(true)
	e.On("Done").Return((<-chan struct{})(make(chan struct{})))
	e.On("Reset", mock.Anything).Return(nil)
	e.On("Close").Return(nil).Once()

	p := newBarePool(testPoolConfig(), func(ctx context.Context) (browser.Engine, error) { return e, nil })
	w := newWorker(p, "w1")
	w.engine = e

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	job := NewJob(newFuncPayload(func(ctx context.Context, x *Execution) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	}), Options{})
	track(t, p, job, nil)

	ran := make(chan struct{})
	go func() {
		defer close(ran)
		w.RunJob(context.Background(), job)
	}()
	<-started

	stopped := make(chan struct{})
	go func() {
		w.Shutdown(true)
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("shutdown should wait for the running job")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-stopped
	<-ran

	assert.True(t, finished.Load())
	e.AssertExpectations(t)
}

func TestWorker_DistributeEventAfterShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	fleet := &fakeFleet{}
	p := newBarePool(testPoolConfig(), fleet.spawn)
	w := newWorker(p, "w1")
	defer w.Shutdown(false)

	job := NewJob(&DOMExploration{Resource: "http://app.test/"}, Options{})
	track(t, p, job, nil)
	w.bindJob(job)
	defer w.unbindJob()

	target := browser.EventTarget{Locator: "#go", Event: "click"}
	assert.True(t, w.DistributeEvent("http://app.test/", target))
	assert.Equal(t, 1, p.queue.Len())

	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	assert.False(t, w.DistributeEvent("http://app.test/", target))
}

func TestWorker_DistributeEventRequiresForwarder(t *testing.T) {
	p := newBarePool(testPoolConfig(), (&fakeFleet{}).spawn)
	w := newWorker(p, "w1")

	assert.False(t, w.DistributeEvent("http://app.test/", browser.EventTarget{}), "no job bound")

	w.bindJob(NewJob(&BrowserProvider{}, Options{}))
	assert.False(t, w.DistributeEvent("http://app.test/", browser.EventTarget{}))
	w.unbindJob()
	assert.Zero(t, p.queue.Len())
}
