package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/Cohort/internal/models"
)

type fakeForwarder struct {
	mu        sync.Mutex
	delivered []*ForwardingDelivery
	failFor   map[string]error
	block     chan struct{}
}

func (f *fakeForwarder) Forward(_ context.Context, cfg *models.ForwardingConfig, d *ForwardingDelivery) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[cfg.Container]; err != nil {
		return err
	}
	f.delivered = append(f.delivered, d)
	return nil
}

func (f *fakeForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered)
}

func processedResponse(t *testing.T, store *stubStore, container string) int64 {
	t.Helper()
	return insertResponse(t, store, container, samplePayload, models.ResponseProcessed)
}

func TestRefreshBuildsEnabledSet(t *testing.T) {
	store := newStubStore()
	require.NoError(t, store.SaveForwardingConfig(&models.ForwardingConfig{Container: "/b", Mode: models.ForwardingBasic}))
	require.NoError(t, store.SaveForwardingConfig(&models.ForwardingConfig{Container: "/a", Mode: models.ForwardingOAuth}))
	require.NoError(t, store.SaveForwardingConfig(&models.ForwardingConfig{Container: "/c", Mode: models.ForwardingDisabled}))
	s := NewForwardingScheduler(store, &fakeForwarder{}, time.Hour, nil)
	s.EnableContainer("/stale")

	require.NoError(t, s.Refresh())
	assert.Equal(t, []string{"/a", "/b"}, s.EnabledContainers())
	assert.False(t, s.IsEnabled("/stale"))

	s.DisableContainer("/a")
	s.EnableContainer("/c")
	assert.Equal(t, []string{"/b", "/c"}, s.EnabledContainers())
}

func TestRunOnceForwardsAndStampsProcessedRows(t *testing.T) {
	store := newStubStore()
	store.addStudy("ALPHA", "/lab/alpha", true)
	require.NoError(t, store.SaveForwardingConfig(&models.ForwardingConfig{Container: "/lab/alpha", Mode: models.ForwardingBasic, BasicURL: "https://p.example"}))
	first := processedResponse(t, store, "/lab/alpha")
	second := processedResponse(t, store, "/lab/alpha")
	pending := insertResponse(t, store, "/lab/alpha", samplePayload, models.ResponsePending)

	fw := &fakeForwarder{}
	s := NewForwardingScheduler(store, fw, time.Hour, nil)
	require.NoError(t, s.Refresh())

	report := s.RunOnce(context.Background())
	assert.Equal(t, 2, report.Forwarded["/lab/alpha"])
	assert.Empty(t, report.Failed)
	require.Len(t, fw.delivered, 2)
	assert.Equal(t, first, fw.delivered[0].ResponseID)
	assert.Equal(t, "ALPHA", fw.delivered[0].StudyID)
	assert.NotNil(t, store.response(second).ForwardedAt)
	assert.Nil(t, store.response(pending).ForwardedAt)

	// Nothing left to send on the next tick.
	report = s.RunOnce(context.Background())
	assert.Empty(t, report.Forwarded)
	assert.Len(t, fw.delivered, 2)
}

func TestRunOnceIsolatesContainerFailures(t *testing.T) {
	store := newStubStore()
	store.addStudy("ALPHA", "/lab/alpha", true)
	store.addStudy("BETA", "/lab/beta", true)
	for _, c := range []string{"/lab/alpha", "/lab/beta"} {
		require.NoError(t, store.SaveForwardingConfig(&models.ForwardingConfig{Container: c, Mode: models.ForwardingBasic}))
	}
	failed := processedResponse(t, store, "/lab/alpha")
	ok := processedResponse(t, store, "/lab/beta")

	fw := &fakeForwarder{failFor: map[string]error{"/lab/alpha": errors.New("partner down")}}
	s := NewForwardingScheduler(store, fw, time.Hour, nil)
	require.NoError(t, s.Refresh())

	report := s.RunOnce(context.Background())
	assert.Contains(t, report.Failed, "/lab/alpha")
	assert.Equal(t, 1, report.Forwarded["/lab/beta"])
	assert.Nil(t, store.response(failed).ForwardedAt)
	assert.NotNil(t, store.response(ok).ForwardedAt)

	// The failed row is retried once the partner recovers.
	fw.mu.Lock()
	fw.failFor = nil
	fw.mu.Unlock()
	report = s.RunOnce(context.Background())
	assert.Equal(t, 1, report.Forwarded["/lab/alpha"])
}

func TestScheduleIsIdempotentAndUnscheduleWaitsForTick(t *testing.T) {
	store := newStubStore()
	store.addStudy("ALPHA", "/lab/alpha", true)
	require.NoError(t, store.SaveForwardingConfig(&models.ForwardingConfig{Container: "/lab/alpha", Mode: models.ForwardingBasic}))
	processedResponse(t, store, "/lab/alpha")

	fw := &fakeForwarder{block: make(chan struct{})}
	s := NewForwardingScheduler(store, fw, 20*time.Millisecond, nil)
	ctx := context.Background()
	require.NoError(t, s.Schedule(ctx))
	require.NoError(t, s.Schedule(ctx))

	// Let a tick start, then stop while it is blocked in delivery.
	time.Sleep(60 * time.Millisecond)
	stopped := make(chan struct{})
	go func() {
		s.Unschedule()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Unschedule returned while a tick was in flight")
	case <-time.After(30 * time.Millisecond):
	}
	close(fw.block)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Unschedule did not return")
	}
	assert.Equal(t, 1, fw.count())

	// No ticks after Unschedule.
	processedResponse(t, store, "/lab/alpha")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, fw.count())
	s.Unschedule()
}
