package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/soaringjerry/Cohort/internal/models"
	"github.com/soaringjerry/Cohort/internal/queue"
)

// ResponseStore abstracts persistence required by ResponseService.
type ResponseStore interface {
	GetParticipantByAppToken(appToken string) (*models.Participant, error)
	GetStudyByContainer(container string) (*models.Study, error)
	// InsertResponse appends a row and returns its rowId.
	InsertResponse(r *models.SurveyResponse) (int64, error)
	ListResponsesByParticipant(participantID int64) ([]*models.SurveyResponse, error)
	// ListResponsesByContainer filters by status unless status is empty.
	ListResponsesByContainer(container string, status models.ResponseStatus, limit int) ([]*models.SurveyResponse, error)
}

// Enqueuer hands a stored row to the shredder.
type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) error
}

type SubmissionMetadata struct {
	StudyID    string `json:"studyId"`
	ActivityID string `json:"activityId"`
	Version    string `json:"version"`
	Language   string `json:"language"`
}

type SubmissionRequest struct {
	ParticipantID string              `json:"participantId"`
	Metadata      *SubmissionMetadata `json:"metadata"`
	Data          json.RawMessage     `json:"data"`
}

// ResponseService is the ingestion path. It persists a Pending row, queues
// shredding and returns without waiting for it.
type ResponseService struct {
	store  ResponseStore
	queue  Enqueuer
	logger *zap.Logger
	now    func() time.Time
}

func NewResponseService(store ResponseStore, q Enqueuer, logger *zap.Logger) *ResponseService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResponseService{
		store:  store,
		queue:  q,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// resolveParticipant applies the participant checks shared by submission and
// the participant read path.
func (s *ResponseService) resolveParticipant(appToken string) (*models.Participant, *models.Study, error) {
	appToken = strings.TrimSpace(appToken)
	if appToken == "" {
		return nil, nil, NewInvalidError("ParticipantId not included in request")
	}
	p, err := s.store.GetParticipantByAppToken(appToken)
	if err != nil {
		return nil, nil, err
	}
	if p == nil {
		return nil, nil, NewInvalidError("Unable to identify participant")
	}
	if p.Status == models.ParticipantWithdrawn {
		return nil, nil, NewInvalidError("Participant has withdrawn from study")
	}
	st, err := s.store.GetStudyByContainer(p.Container)
	if err != nil {
		return nil, nil, err
	}
	if st == nil {
		return nil, nil, NewInvalidError("AppToken not associated with study")
	}
	return p, st, nil
}

// Submit validates and stores a response. Each call creates a new row.
func (s *ResponseService) Submit(ctx context.Context, req SubmissionRequest) (*models.SurveyResponse, error) {
	if req.Metadata == nil {
		return nil, NewInvalidError("Metadata not found")
	}
	p, st, err := s.resolveParticipant(req.ParticipantID)
	if err != nil {
		return nil, err
	}
	md := req.Metadata
	if strings.TrimSpace(md.ActivityID) == "" {
		return nil, NewInvalidError("ActivityId not included in request")
	}
	if strings.TrimSpace(md.Version) == "" {
		return nil, NewInvalidError("SurveyVersion not included in request")
	}
	if isEmptyJSON(req.Data) {
		return nil, NewInvalidError("Response not included in request")
	}
	if !st.CollectionEnabled {
		return nil, NewInvalidError(fmt.Sprintf("Response collection is not currently enabled for study [ %s ]", st.ShortName))
	}

	resp := &models.SurveyResponse{
		ParticipantID: p.RowID,
		Container:     st.Container,
		ActivityID:    strings.TrimSpace(md.ActivityID),
		Version:       strings.TrimSpace(md.Version),
		Language:      LookupLanguage(md.Language).FriendlyName,
		Payload:       append(json.RawMessage(nil), req.Data...),
		Status:        models.ResponsePending,
		SubmittedAt:   s.now(),
	}
	id, err := s.store.InsertResponse(resp)
	if err != nil {
		return nil, err
	}
	resp.RowID = id

	if s.queue != nil {
		if err := s.queue.Enqueue(ctx, queue.Task{RowID: id, Actor: "participant"}); err != nil {
			// The row stays Pending and is picked up by the next recovery sweep.
			s.logger.Warn("failed to enqueue shred task", zap.Int64("row_id", id), zap.Error(err))
		}
	}
	return resp, nil
}

// ListOwnResponses returns the participant's submissions without payloads.
func (s *ResponseService) ListOwnResponses(appToken string) ([]*models.SurveyResponse, error) {
	p, _, err := s.resolveParticipant(appToken)
	if err != nil {
		return nil, err
	}
	rs, err := s.store.ListResponsesByParticipant(p.RowID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.SurveyResponse, 0, len(rs))
	for _, r := range rs {
		cp := *r
		cp.Payload = nil
		out = append(out, &cp)
	}
	return out, nil
}

// ListResponses is the admin view of a container's rows, payloads omitted.
func (s *ResponseService) ListResponses(container, status string, limit int) ([]*models.SurveyResponse, error) {
	if strings.TrimSpace(container) == "" {
		return nil, NewInvalidError("container required")
	}
	st := models.ResponseStatus(strings.TrimSpace(status))
	if st != "" && !st.Valid() {
		return nil, NewInvalidError(fmt.Sprintf("Unknown status '%s'", status))
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rs, err := s.store.ListResponsesByContainer(container, st, limit)
	if err != nil {
		return nil, err
	}
	for _, r := range rs {
		r.Payload = nil
	}
	return rs, nil
}

func isEmptyJSON(b json.RawMessage) bool {
	t := bytes.TrimSpace(b)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
