package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/Cohort/internal/models"
)

func insertResponse(t *testing.T, store *stubStore, container, payload string, status models.ResponseStatus) int64 {
	t.Helper()
	id, err := store.InsertResponse(&models.SurveyResponse{
		ParticipantID: 1,
		Container:     container,
		ActivityID:    "survey1",
		Version:       "1.0",
		Payload:       []byte(payload),
		Status:        status,
	})
	require.NoError(t, err)
	return id
}

func TestProcessShredsIntoRows(t *testing.T) {
	store := newStubStore()
	store.addStudy("ALPHA", "/lab/alpha", true)
	id := insertResponse(t, store, "/lab/alpha", samplePayload, models.ResponsePending)
	s := NewResponseShredder(store, store, nil, nil, time.Minute, nil)

	require.NoError(t, s.Process(context.Background(), id, "shredder"))

	r := store.response(id)
	assert.Equal(t, models.ResponseProcessed, r.Status)
	assert.Equal(t, "shredder", r.ProcessedBy)
	require.NotNil(t, r.ProcessedAt)
	assert.Empty(t, r.ErrorMessage)

	rows := store.rows[id]
	require.Len(t, rows, 1)
	assert.Equal(t, "q1", rows[0].Key)
	assert.JSONEq(t, "true", string(rows[0].Value))
	require.NotNil(t, rows[0].StartTime)
	assert.Equal(t, time.Date(2016, 9, 6, 15, 48, 13, 0, time.UTC), *rows[0].StartTime)

	// A duplicate delivery leaves the finished row alone.
	require.NoError(t, s.Process(context.Background(), id, "other"))
	assert.Equal(t, "shredder", store.response(id).ProcessedBy)
}

func TestProcessMarksErrorOnBadPayload(t *testing.T) {
	store := newStubStore()
	store.addStudy("ALPHA", "/lab/alpha", true)
	bad := insertResponse(t, store, "/lab/alpha", `{"start":`, models.ResponsePending)
	noResults := insertResponse(t, store, "/lab/alpha", `{"start":"x"}`, models.ResponsePending)
	s := NewResponseShredder(store, store, nil, nil, time.Minute, nil)

	require.NoError(t, s.Process(context.Background(), bad, "shredder"))
	require.NoError(t, s.Process(context.Background(), noResults, "shredder"))

	assert.Equal(t, models.ResponseError, store.response(bad).Status)
	assert.Contains(t, store.response(bad).ErrorMessage, "Unable to parse response")
	assert.Equal(t, models.ResponseError, store.response(noResults).Status)
	assert.Equal(t, "Response has no results array", store.response(noResults).ErrorMessage)
}

func TestProcessSinkFailureEndsInError(t *testing.T) {
	store := newStubStore()
	store.addStudy("ALPHA", "/lab/alpha", true)
	store.sinkErr = errors.New("sink offline")
	id := insertResponse(t, store, "/lab/alpha", samplePayload, models.ResponsePending)
	s := NewResponseShredder(store, store, nil, nil, time.Minute, nil)

	require.NoError(t, s.Process(context.Background(), id, "shredder"))
	assert.Equal(t, models.ResponseError, store.response(id).Status)
	assert.Equal(t, "sink offline", store.response(id).ErrorMessage)
}

func TestProcessGroupedResultsAndDesignKeys(t *testing.T) {
	store := newStubStore()
	store.addStudy("ALPHA", "/lab/alpha", true)
	payload := `{"results":[
		{"key":"meds","resultType":"grouped","value":[
			[{"key":"name","resultType":"text","value":"aspirin"},{"key":"dose","resultType":"numeric","value":2}],
			[{"key":"name","resultType":"text","value":"ibuprofen"},{"key":"dose","resultType":"numeric","skipped":true}]
		]},
		{"key":"q1","resultType":"boolean","value":false}
	]}`
	design := &SurveyDesign{Activity: ActivityDesign{Steps: []DesignStep{
		{Key: "meds", Type: "form", Steps: []DesignStep{{Key: "name"}, {Key: "dose"}}},
		{Key: "q1"},
	}}}
	id := insertResponse(t, store, "/lab/alpha", payload, models.ResponsePending)
	s := NewResponseShredder(store, store, nil, &stubDesigns{design: design}, time.Minute, nil)

	require.NoError(t, s.Process(context.Background(), id, "shredder"))
	require.Equal(t, models.ResponseProcessed, store.response(id).Status, store.response(id).ErrorMessage)
	rows := store.rows[id]
	require.Len(t, rows, 5)
	assert.Equal(t, "meds", rows[0].GroupKey)
	assert.Equal(t, 0, rows[0].GroupIndex)
	assert.Equal(t, "name", rows[0].Key)
	assert.JSONEq(t, `"aspirin"`, string(rows[0].Value))
	assert.Equal(t, 1, rows[2].GroupIndex)
	assert.Equal(t, "name", rows[2].Key)
	assert.True(t, rows[3].Skipped)
	assert.Nil(t, rows[3].Value)
	assert.Equal(t, "q1", rows[4].Key)
	assert.Empty(t, rows[4].GroupKey)

	unknown := insertResponse(t, store, "/lab/alpha", `{"results":[{"key":"zz","resultType":"text","value":"x"}]}`, models.ResponsePending)
	require.NoError(t, s.Process(context.Background(), unknown, "shredder"))
	assert.Equal(t, models.ResponseError, store.response(unknown).Status)
	assert.Contains(t, store.response(unknown).ErrorMessage, "Unknown question key 'zz'")
}

func TestReprocessMixedRows(t *testing.T) {
	store := newStubStore()
	store.addStudy("ALPHA", "/lab/alpha", true)
	q := &recordingQueue{}
	s := NewResponseShredder(store, store, q, nil, time.Minute, nil)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	errored := insertResponse(t, store, "/lab/alpha", samplePayload, models.ResponseError)
	processed := insertResponse(t, store, "/lab/alpha", samplePayload, models.ResponseProcessed)
	pending := insertResponse(t, store, "/lab/alpha", samplePayload, models.ResponsePending)
	active := insertResponse(t, store, "/lab/alpha", samplePayload, models.ResponseProcessing)
	stale := insertResponse(t, store, "/lab/alpha", samplePayload, models.ResponseProcessing)
	future, past := now.Add(time.Minute), now.Add(-time.Minute)
	for _, r := range store.responses {
		switch r.RowID {
		case active:
			r.LeasedUntil = &future
		case stale:
			r.LeasedUntil = &past
		}
	}

	res, err := s.Reprocess(context.Background(), []int64{processed, errored, errored, pending, active, stale, 999}, "admin")
	require.NoError(t, err)
	assert.Equal(t, 3, res.CountReprocessed)
	assert.Equal(t, []int64{processed, active, 999}, res.NotReprocessed)
	assert.Equal(t, []int64{errored, pending, stale}, q.rowIDs())
	assert.Equal(t, models.ResponsePending, store.response(errored).Status)
	assert.Equal(t, models.ResponseProcessed, store.response(processed).Status)
	assert.Equal(t, models.ResponseProcessing, store.response(active).Status)

	_, err = s.Reprocess(context.Background(), nil, "admin")
	requireInvalid(t, err, "No responses to reprocess")
}

func TestReprocessThenProcessReplacesRows(t *testing.T) {
	store := newStubStore()
	store.addStudy("ALPHA", "/lab/alpha", true)
	s := NewResponseShredder(store, store, &recordingQueue{}, nil, time.Minute, nil)
	id := insertResponse(t, store, "/lab/alpha", samplePayload, models.ResponseError)

	_, err := s.Reprocess(context.Background(), []int64{id}, "admin")
	require.NoError(t, err)
	require.NoError(t, s.Process(context.Background(), id, "shredder"))
	require.NoError(t, s.Process(context.Background(), id, "shredder"))
	assert.Equal(t, models.ResponseProcessed, store.response(id).Status)
	assert.Len(t, store.rows[id], 1)
}

func TestRecoverReclaimsExpiredLeases(t *testing.T) {
	store := newStubStore()
	store.addStudy("ALPHA", "/lab/alpha", true)
	q := &recordingQueue{}
	s := NewResponseShredder(store, store, q, nil, time.Minute, nil)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	pending := insertResponse(t, store, "/lab/alpha", samplePayload, models.ResponsePending)
	stuck := insertResponse(t, store, "/lab/alpha", samplePayload, models.ResponseProcessing)
	busy := insertResponse(t, store, "/lab/alpha", samplePayload, models.ResponseProcessing)
	past, future := now.Add(-time.Hour), now.Add(time.Hour)
	for _, r := range store.responses {
		switch r.RowID {
		case stuck:
			r.LeasedUntil = &past
		case busy:
			r.LeasedUntil = &future
		}
	}

	n, err := s.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []int64{pending, stuck}, q.rowIDs())
	assert.Equal(t, models.ResponseProcessing, store.response(busy).Status)
}

func TestPeriodicRecoverSkipsFreshRows(t *testing.T) {
	store := newStubStore()
	store.addStudy("ALPHA", "/lab/alpha", true)
	q := &recordingQueue{}
	s := NewResponseShredder(store, store, q, nil, time.Minute, nil)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	old := insertResponse(t, store, "/lab/alpha", samplePayload, models.ResponsePending)
	fresh := insertResponse(t, store, "/lab/alpha", samplePayload, models.ResponsePending)
	for _, r := range store.responses {
		switch r.RowID {
		case old:
			r.SubmittedAt = now.Add(-2 * time.Minute)
		case fresh:
			r.SubmittedAt = now.Add(-10 * time.Second)
		}
	}

	n, err := s.RecoverOlderThan(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{old}, q.rowIDs())

	n, err = s.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// exclusiveSink counts WriteResponseRows calls that overlap another call.
type exclusiveSink struct {
	inner    ResponseSink
	inFlight int32
	overlaps int32
}

func (s *exclusiveSink) WriteResponseRows(id int64, rows []*models.ResponseRow) error {
	if atomic.AddInt32(&s.inFlight, 1) > 1 {
		atomic.AddInt32(&s.overlaps, 1)
	}
	defer atomic.AddInt32(&s.inFlight, -1)
	time.Sleep(50 * time.Microsecond)
	return s.inner.WriteResponseRows(id, rows)
}

func TestConcurrentProcessAndReprocessSameRow(t *testing.T) {
	store := newStubStore()
	store.addStudy("ALPHA", "/lab/alpha", true)
	sink := &exclusiveSink{inner: store}
	s := NewResponseShredder(store, sink, &recordingQueue{}, nil, time.Minute, nil)
	id := insertResponse(t, store, "/lab/alpha", samplePayload, models.ResponseError)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		store.mu.Lock()
		for _, r := range store.responses {
			if r.RowID == id {
				r.Status = models.ResponseError
			}
		}
		store.mu.Unlock()

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := s.Reprocess(ctx, []int64{id}, "admin")
				assert.NoError(t, err)
			}()
			go func() {
				defer wg.Done()
				assert.NoError(t, s.Process(ctx, id, "shredder"))
			}()
		}
		wg.Wait()
		assert.NotEqual(t, models.ResponseProcessing, store.response(id).Status, "iteration %d", i)
	}

	require.NoError(t, s.Process(ctx, id, "shredder"))
	assert.Equal(t, models.ResponseProcessed, store.response(id).Status)
	assert.Len(t, store.rows[id], 1)
	assert.Zero(t, atomic.LoadInt32(&sink.overlaps))
}

func TestParseResultTimeLayouts(t *testing.T) {
	for _, in := range []string{
		"2016-09-06T15:48:13.000+0000",
		"2016-09-06T15:48:13+0000",
		"2016-09-06T15:48:13Z",
	} {
		got, err := parseResultTime(in)
		require.NoError(t, err, in)
		assert.Equal(t, time.Date(2016, 9, 6, 15, 48, 13, 0, time.UTC), *got)
	}
	got, err := parseResultTime("")
	assert.NoError(t, err)
	assert.Nil(t, got)
	_, err = parseResultTime("yesterday")
	assert.Error(t, err)
}
