package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/Cohort/internal/models"
	"github.com/soaringjerry/Cohort/internal/queue"
)

const samplePayload = `{"start":"2016-09-06T15:48:13.000+0000","end":"2016-09-06T15:48:45.000+0000","results":[{"key":"q1","resultType":"boolean","skipped":false,"startTime":"2016-09-06T15:48:13.000+0000","endTime":"2016-09-06T15:48:20.000+0000","value":true}]}`

func enrolledParticipant(t *testing.T, store *stubStore, container string, collection bool) *models.Participant {
	t.Helper()
	st := store.addStudy("ALPHA", container, collection)
	p := &models.Participant{AppToken: "app-" + container, StudyID: st.RowID, Container: container, Status: models.ParticipantEnrolled, AllowDataSharing: "true"}
	_, err := store.EnrollParticipant(p)
	require.NoError(t, err)
	return p
}

func submission(appToken string) SubmissionRequest {
	return SubmissionRequest{
		ParticipantID: appToken,
		Metadata:      &SubmissionMetadata{StudyID: "ALPHA", ActivityID: "survey1", Version: "1.0", Language: "es"},
		Data:          json.RawMessage(samplePayload),
	}
}

func TestSubmitStoresPendingAndEnqueues(t *testing.T) {
	store := newStubStore()
	q := &recordingQueue{}
	p := enrolledParticipant(t, store, "/lab/alpha", true)
	svc := NewResponseService(store, q, nil)

	resp, err := svc.Submit(context.Background(), submission(p.AppToken))
	require.NoError(t, err)
	assert.Equal(t, models.ResponsePending, resp.Status)
	assert.Equal(t, "Spanish", resp.Language)
	assert.Equal(t, []int64{resp.RowID}, q.rowIDs())

	// Identical submissions are separate rows.
	second, err := svc.Submit(context.Background(), submission(p.AppToken))
	require.NoError(t, err)
	assert.NotEqual(t, resp.RowID, second.RowID)
}

func TestSubmitDoesNotWaitOnFullQueue(t *testing.T) {
	store := newStubStore()
	p := enrolledParticipant(t, store, "/lab/alpha", true)
	q := queue.NewMemoryQueue(1)
	defer q.Close()
	svc := NewResponseService(store, q, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := svc.Submit(ctx, submission(p.AppToken))
	require.NoError(t, err)

	start := time.Now()
	second, err := svc.Submit(ctx, submission(p.AppToken))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, q.Len())

	// The dropped row stays Pending for the recovery sweep.
	stored, err := store.GetResponse(second.RowID)
	require.NoError(t, err)
	assert.Equal(t, models.ResponsePending, stored.Status)
}

func TestSubmitValidationOrder(t *testing.T) {
	store := newStubStore()
	p := enrolledParticipant(t, store, "/lab/alpha", false)
	svc := NewResponseService(store, &recordingQueue{}, nil)
	ctx := context.Background()

	req := submission(p.AppToken)
	req.Metadata = nil
	_, err := svc.Submit(ctx, req)
	requireInvalid(t, err, "Metadata not found")

	req = submission("")
	_, err = svc.Submit(ctx, req)
	requireInvalid(t, err, "ParticipantId not included in request")

	req = submission("unknown")
	_, err = svc.Submit(ctx, req)
	requireInvalid(t, err, "Unable to identify participant")

	req = submission(p.AppToken)
	req.Metadata.ActivityID = ""
	_, err = svc.Submit(ctx, req)
	requireInvalid(t, err, "ActivityId not included in request")

	req = submission(p.AppToken)
	req.Metadata.Version = " "
	_, err = svc.Submit(ctx, req)
	requireInvalid(t, err, "SurveyVersion not included in request")

	req = submission(p.AppToken)
	req.Data = json.RawMessage("null")
	_, err = svc.Submit(ctx, req)
	requireInvalid(t, err, "Response not included in request")

	_, err = svc.Submit(ctx, submission(p.AppToken))
	requireInvalid(t, err, "Response collection is not currently enabled for study [ ALPHA ]")
	assert.Empty(t, store.responses)
}

func TestSubmitRejectsWithdrawnAndOrphaned(t *testing.T) {
	store := newStubStore()
	p := enrolledParticipant(t, store, "/lab/alpha", true)
	svc := NewResponseService(store, &recordingQueue{}, nil)

	require.NoError(t, store.SetParticipantStatus(p.RowID, models.ParticipantWithdrawn))
	_, err := svc.Submit(context.Background(), submission(p.AppToken))
	requireInvalid(t, err, "Participant has withdrawn from study")

	orphan := &models.Participant{AppToken: "orphan", Container: "/lab/gone", Status: models.ParticipantEnrolled}
	_, err = store.EnrollParticipant(orphan)
	require.NoError(t, err)
	_, err = svc.Submit(context.Background(), submission("orphan"))
	requireInvalid(t, err, "AppToken not associated with study")
}

func TestSubmitSucceedsWhenEnqueueFails(t *testing.T) {
	store := newStubStore()
	p := enrolledParticipant(t, store, "/lab/alpha", true)
	svc := NewResponseService(store, &recordingQueue{err: errors.New("queue down")}, nil)

	resp, err := svc.Submit(context.Background(), submission(p.AppToken))
	require.NoError(t, err)
	assert.Equal(t, models.ResponsePending, store.response(resp.RowID).Status)
}

func TestListOwnResponsesOmitsPayload(t *testing.T) {
	store := newStubStore()
	p := enrolledParticipant(t, store, "/lab/alpha", true)
	svc := NewResponseService(store, nil, nil)

	_, err := svc.Submit(context.Background(), submission(p.AppToken))
	require.NoError(t, err)
	list, err := svc.ListOwnResponses(p.AppToken)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Payload)
	assert.Equal(t, "survey1", list[0].ActivityID)

	_, err = svc.ListOwnResponses("nobody")
	requireInvalid(t, err, "Unable to identify participant")
}

func TestListResponsesForAdmin(t *testing.T) {
	store := newStubStore()
	p := enrolledParticipant(t, store, "/lab/alpha", true)
	svc := NewResponseService(store, nil, nil)
	_, err := svc.Submit(context.Background(), submission(p.AppToken))
	require.NoError(t, err)
	insertResponse(t, store, "/lab/alpha", samplePayload, models.ResponseError)

	all, err := svc.ListResponses("/lab/alpha", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Nil(t, all[0].Payload)

	errs, err := svc.ListResponses("/lab/alpha", "Error", 0)
	require.NoError(t, err)
	assert.Len(t, errs, 1)

	_, err = svc.ListResponses("/lab/alpha", "Done", 0)
	requireInvalid(t, err, "Unknown status 'Done'")
	_, err = svc.ListResponses("", "", 0)
	assert.True(t, IsCode(err, ErrorInvalid))
}
