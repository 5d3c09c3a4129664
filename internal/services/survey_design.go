package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	PropertyTypePreEnrollment  = "PreEnrollment"
	PropertyTypePostEnrollment = "PostEnrollment"
)

// ErrDesignNotFound is returned when no design exists for an activity version.
var ErrDesignNotFound = errors.New("survey design not found")

// SurveyDesign is the activity definition published by the study builder.
type SurveyDesign struct {
	Type     string         `json:"type"`
	Message  string         `json:"message,omitempty"`
	Activity ActivityDesign `json:"activity"`
}

type ActivityDesign struct {
	Type     string       `json:"type,omitempty"`
	Metadata DesignMeta   `json:"metadata"`
	Steps    []DesignStep `json:"steps"`
}

type DesignMeta struct {
	StudyID    string `json:"studyId"`
	ActivityID string `json:"activityId"`
	Version    string `json:"version"`
	Name       string `json:"name,omitempty"`
}

// DesignStep is a question, instruction or form. Form steps nest steps.
type DesignStep struct {
	Type       string       `json:"type"`
	ResultType string       `json:"resultType"`
	Key        string       `json:"key"`
	Title      string       `json:"title,omitempty"`
	Steps      []DesignStep `json:"steps,omitempty"`
}

// StepKeys returns every step key, with nested keys as "<group>.<key>".
func (d *SurveyDesign) StepKeys() map[string]struct{} {
	keys := map[string]struct{}{}
	var walk func(prefix string, steps []DesignStep)
	walk = func(prefix string, steps []DesignStep) {
		for _, st := range steps {
			k := st.Key
			if prefix != "" {
				k = prefix + "." + st.Key
			}
			keys[k] = struct{}{}
			if len(st.Steps) > 0 {
				walk(k, st.Steps)
			}
		}
	}
	walk("", d.Activity.Steps)
	return keys
}

type ParticipantPropertyDefinition struct {
	PropertyID    string `json:"propertyId"`
	PropertyType  string `json:"propertyType"`
	DataType      string `json:"propertyDataFormat,omitempty"`
	ShouldRefresh bool   `json:"shouldRefresh,omitempty"`
}

type participantPropertiesDoc struct {
	Message               string                          `json:"message,omitempty"`
	ParticipantProperties []ParticipantPropertyDefinition `json:"participantProperties"`
}

// SurveyDesignProvider supplies activity designs and participant property
// definitions for a study.
type SurveyDesignProvider interface {
	GetSurveyDesign(ctx context.Context, shortName, activityID, version string) (*SurveyDesign, error)
	GetParticipantProperties(ctx context.Context, shortName string) ([]ParticipantPropertyDefinition, error)
}

// FileSurveyDesignProvider reads designs dropped into a directory as
// <study>_<activity>_<version>.json and <study>_ParticipantProperties.json.
type FileSurveyDesignProvider struct {
	dir string
}

func NewFileSurveyDesignProvider(dir string) *FileSurveyDesignProvider {
	return &FileSurveyDesignProvider{dir: dir}
}

func (p *FileSurveyDesignProvider) GetSurveyDesign(_ context.Context, shortName, activityID, version string) (*SurveyDesign, error) {
	name := fmt.Sprintf("%s_%s_%s.json", shortName, activityID, version)
	var d SurveyDesign
	if err := p.readJSON(name, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *FileSurveyDesignProvider) GetParticipantProperties(_ context.Context, shortName string) ([]ParticipantPropertyDefinition, error) {
	var doc participantPropertiesDoc
	err := p.readJSON(shortName+"_ParticipantProperties.json", &doc)
	if errors.Is(err, ErrDesignNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.ParticipantProperties, nil
}

func (p *FileSurveyDesignProvider) readJSON(name string, v any) error {
	b, err := os.ReadFile(filepath.Join(p.dir, filepath.Base(name)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrDesignNotFound, name)
		}
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// RemoteSurveyDesignProvider fetches designs from the study metadata service.
type RemoteSurveyDesignProvider struct {
	http   *resty.Client
	logger *zap.Logger
}

// NewRemoteSurveyDesignProvider accepts the configured base URL with or
// without a trailing "/activity".
func NewRemoteSurveyDesignProvider(baseURL, username, password string, logger *zap.Logger) *RemoteSurveyDesignProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL = strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/activity")
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1*time.Second).
		SetRetryMaxWaitTime(5*time.Second).
		SetBasicAuth(username, password).
		SetHeader("Accept", "application/json")
	return &RemoteSurveyDesignProvider{http: client, logger: logger}
}

func (p *RemoteSurveyDesignProvider) GetSurveyDesign(ctx context.Context, shortName, activityID, version string) (*SurveyDesign, error) {
	var d SurveyDesign
	err := p.get(ctx, "/activity", map[string]string{
		"studyId":         shortName,
		"activityId":      activityID,
		"activityVersion": version,
	}, &d)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *RemoteSurveyDesignProvider) GetParticipantProperties(ctx context.Context, shortName string) ([]ParticipantPropertyDefinition, error) {
	var doc participantPropertiesDoc
	if err := p.get(ctx, "/participantProperties", map[string]string{"studyId": shortName}, &doc); err != nil {
		return nil, err
	}
	return doc.ParticipantProperties, nil
}

func (p *RemoteSurveyDesignProvider) get(ctx context.Context, path string, query map[string]string, out any) error {
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get(path)
	if err != nil {
		p.logger.Error("survey design request failed", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("survey design request: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrDesignNotFound, resp.Request.URL)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return fmt.Errorf("Received response status %d using uri %s", resp.StatusCode(), resp.Request.URL)
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("parse survey design response: %w", err)
	}
	return nil
}

var (
	_ SurveyDesignProvider = (*FileSurveyDesignProvider)(nil)
	_ SurveyDesignProvider = (*RemoteSurveyDesignProvider)(nil)
)

// ActivityMetadataService exposes design lookups to the mobile client.
type ActivityMetadataService struct {
	designs SurveyDesignProvider
}

func NewActivityMetadataService(designs SurveyDesignProvider) *ActivityMetadataService {
	return &ActivityMetadataService{designs: designs}
}

func (s *ActivityMetadataService) GetActivityMetadata(ctx context.Context, studyID, activityID, version string) (*SurveyDesign, error) {
	studyID = NormalizeShortName(studyID)
	switch {
	case studyID == "":
		return nil, NewInvalidError("StudyId is required")
	case strings.TrimSpace(activityID) == "":
		return nil, NewInvalidError("ActivityId is required")
	case strings.TrimSpace(version) == "":
		return nil, NewInvalidError("ActivityVersion is required")
	}
	if s.designs == nil {
		return nil, NewNotFoundError("Survey design provider is not configured")
	}
	d, err := s.designs.GetSurveyDesign(ctx, studyID, strings.TrimSpace(activityID), strings.TrimSpace(version))
	if errors.Is(err, ErrDesignNotFound) {
		return nil, NewNotFoundError(err.Error())
	}
	if err != nil {
		return nil, NewBadGatewayError(err.Error())
	}
	return d, nil
}
