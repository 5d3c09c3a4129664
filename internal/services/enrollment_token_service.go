package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soaringjerry/Cohort/internal/models"
)

// ErrTokenCollision is returned by CreateTokenBatch when a token is already
// issued in the container. Nothing from the batch is persisted.
var ErrTokenCollision = errors.New("enrollment token collision")

const (
	maxTokenDraws   = 64
	maxBatchRetries = 5
)

// TokenStore persists batches and performs conditional token allocation.
type TokenStore interface {
	// CreateTokenBatch writes the batch and all tokens, or nothing.
	CreateTokenBatch(b *models.EnrollmentTokenBatch, tokens []*models.EnrollmentToken) error
	TokenExists(container, token string) (bool, error)
	FindToken(container, token string) (*models.EnrollmentToken, error)
	// FindTokensByValue returns matches across containers, oldest batch first.
	FindTokensByValue(token string) ([]*models.EnrollmentToken, error)
	// MarkTokenUsed flips used with a single conditional update.
	MarkTokenUsed(container, token string) (models.MarkResult, error)
	SetTokenProperties(container, token string, props map[string]string) (models.MarkResult, error)
	HasTokenBatches(container string) (bool, error)
	GetTokenBatch(id string) (*models.EnrollmentTokenBatch, error)
	ListTokenBatches(container string) ([]*models.EnrollmentTokenBatch, error)
	ListTokens(batchID string) ([]*models.EnrollmentToken, error)
	AddAudit(entry models.AuditEntry)
}

// EnrollmentTokenService issues token batches and allocates tokens.
type EnrollmentTokenService struct {
	store       TokenStore
	studies     StudyStore
	codec       *TokenCodec
	now         func() time.Time
	idGenerator func() string
}

func NewEnrollmentTokenService(store TokenStore, studies StudyStore) *EnrollmentTokenService {
	return &EnrollmentTokenService{
		store:       store,
		studies:     studies,
		codec:       NewTokenCodec(),
		now:         func() time.Time { return time.Now().UTC() },
		idGenerator: uuid.NewString,
	}
}

// CreateBatch generates count tokens unique within the container and stores
// them with a new batch in one transaction.
func (s *EnrollmentTokenService) CreateBatch(container string, count int, actor string) (*models.EnrollmentTokenBatch, error) {
	if count <= 0 {
		return nil, NewInvalidError("Count must be provided and greater than 0.")
	}
	st, err := s.studies.GetStudyByContainer(container)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, NewNotFoundError("No study configured for this container")
	}

	for attempt := 0; attempt < maxBatchRetries; attempt++ {
		values, err := s.allocate(container, count)
		if err != nil {
			return nil, err
		}
		batch := &models.EnrollmentTokenBatch{ID: s.idGenerator(), Container: container, Count: count, CreatedBy: actor, CreatedAt: s.now()}
		tokens := make([]*models.EnrollmentToken, 0, len(values))
		for _, v := range values {
			tokens = append(tokens, &models.EnrollmentToken{Token: v, BatchID: batch.ID, Container: container})
		}
		err = s.store.CreateTokenBatch(batch, tokens)
		if errors.Is(err, ErrTokenCollision) {
			// Another batch claimed one of the values between check and insert.
			continue
		}
		if err != nil {
			return nil, err
		}
		s.store.AddAudit(models.AuditEntry{Time: batch.CreatedAt, Actor: actor, Action: "create_token_batch", Target: batch.ID, Note: fmt.Sprintf("%s count=%d", container, count)})
		return batch, nil
	}
	return nil, fmt.Errorf("create token batch: %w after %d attempts", ErrTokenCollision, maxBatchRetries)
}

func (s *EnrollmentTokenService) allocate(container string, count int) ([]string, error) {
	values, err := s.codec.Generate(count)
	if err != nil {
		return nil, err
	}
	inBatch := make(map[string]struct{}, len(values))
	for _, v := range values {
		inBatch[v] = struct{}{}
	}
	for i, v := range values {
		draws := 0
		for {
			exists, err := s.store.TokenExists(container, v)
			if err != nil {
				return nil, err
			}
			if !exists {
				break
			}
			draws++
			if draws > maxTokenDraws {
				return nil, fmt.Errorf("%w: could not draw a free token", ErrTokenCollision)
			}
			next, err := s.codec.GenerateOne()
			if err != nil {
				return nil, err
			}
			if _, dup := inBatch[next]; dup {
				continue
			}
			delete(inBatch, v)
			inBatch[next] = struct{}{}
			v = next
		}
		values[i] = v
	}
	return values, nil
}

// MarkUsed allocates the token. Exactly one of several concurrent callers
// gets MarkOK.
func (s *EnrollmentTokenService) MarkUsed(token, container string) (models.MarkResult, error) {
	token = NormalizeToken(token)
	if !ValidateChecksum(token) {
		return models.MarkNotFound, nil
	}
	return s.store.MarkTokenUsed(container, token)
}

func (s *EnrollmentTokenService) IsUnused(token, container string) (bool, error) {
	t, err := s.store.FindToken(container, NormalizeToken(token))
	if err != nil {
		return false, err
	}
	return t != nil && !t.Used, nil
}

func (s *EnrollmentTokenService) BelongsToStudy(token, container string) (bool, error) {
	t, err := s.store.FindToken(container, NormalizeToken(token))
	if err != nil {
		return false, err
	}
	return t != nil, nil
}

// SetProperties stores pre-enrollment participant property values on an
// unused token.
func (s *EnrollmentTokenService) SetProperties(container, token string, props map[string]string, actor string) error {
	token = NormalizeToken(token)
	if token == "" {
		return NewInvalidError("Token is required")
	}
	if !ValidateChecksum(token) {
		return NewInvalidError(fmt.Sprintf("Invalid token: '%s'", token))
	}
	clean := make(map[string]string, len(props))
	for k, v := range props {
		k = strings.TrimSpace(k)
		if k == "" {
			return NewInvalidError("property id required")
		}
		clean[k] = v
	}
	res, err := s.store.SetTokenProperties(container, token, clean)
	if err != nil {
		return err
	}
	switch res {
	case models.MarkNotFound:
		return NewNotFoundError(fmt.Sprintf("Unknown token: '%s'", token))
	case models.MarkAlreadyUsed:
		return NewConflictError("Token already in use")
	}
	s.store.AddAudit(models.AuditEntry{Time: s.now(), Actor: actor, Action: "set_token_properties", Target: token, Note: container})
	return nil
}

func (s *EnrollmentTokenService) ListBatches(container string) ([]*models.EnrollmentTokenBatch, error) {
	if strings.TrimSpace(container) == "" {
		return nil, NewInvalidError("container required")
	}
	return s.store.ListTokenBatches(container)
}

// ListTokens returns the tokens of a batch, scoped to the caller's container.
func (s *EnrollmentTokenService) ListTokens(container, batchID string) ([]*models.EnrollmentToken, error) {
	b, err := s.store.GetTokenBatch(batchID)
	if err != nil {
		return nil, err
	}
	if b == nil || b.Container != container {
		return nil, NewNotFoundError("batch not found")
	}
	return s.store.ListTokens(batchID)
}
