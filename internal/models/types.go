package models

import (
	"encoding/json"
	"time"
)

// Study binds a case-insensitive short name to one container. Short names are
// not globally unique; several containers may share one.
type Study struct {
	RowID             int64     `json:"rowId"`
	ShortName         string    `json:"studyId"`
	Container         string    `json:"container"`
	CollectionEnabled bool      `json:"collectionEnabled"`
	CreatedBy         string    `json:"createdBy,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	ModifiedAt        time.Time `json:"modifiedAt"`
}

// EnrollmentTokenBatch is immutable once created.
type EnrollmentTokenBatch struct {
	ID        string    `json:"batchId"`
	Container string    `json:"container"`
	Count     int       `json:"count"`
	UsedCount int       `json:"usedCount"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// EnrollmentToken is stored upper-cased. Used flips exactly once.
type EnrollmentToken struct {
	Token      string            `json:"token"`
	BatchID    string            `json:"batchId"`
	Container  string            `json:"container"`
	Used       bool              `json:"used"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Allowed allowDataSharing literals.
const (
	DataSharingTrue  = "true"
	DataSharingFalse = "false"
	DataSharingNA    = "NA"
)

// ValidDataSharing reports whether v is one of the accepted literals. The
// comparison is case-sensitive.
func ValidDataSharing(v string) bool {
	switch v {
	case DataSharingTrue, DataSharingFalse, DataSharingNA:
		return true
	}
	return false
}

// Participant is created by a successful enrollment.
type Participant struct {
	RowID            int64             `json:"rowId"`
	AppToken         string            `json:"appToken"`
	StudyID          int64             `json:"studyRowId"`
	Container        string            `json:"container"`
	Status           ParticipantStatus `json:"status"`
	AllowDataSharing string            `json:"allowDataSharing"`
	Token            string            `json:"token,omitempty"`
	EnrolledAt       time.Time         `json:"enrolledAt"`
}

// SurveyResponse holds one raw submission and its shredding state.
type SurveyResponse struct {
	RowID         int64           `json:"rowId"`
	ParticipantID int64           `json:"participantId"`
	Container     string          `json:"container"`
	ActivityID    string          `json:"activityId"`
	Version       string          `json:"version"`
	Language      string          `json:"language"`
	Payload       json.RawMessage `json:"data,omitempty"`
	Status        ResponseStatus  `json:"status"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
	ProcessedBy   string          `json:"processedBy,omitempty"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty"`
	LeasedUntil   *time.Time      `json:"-"`
	ForwardedAt   *time.Time      `json:"forwardedAt,omitempty"`
	SubmittedAt   time.Time       `json:"submittedAt"`
}

// ResponseRow is one question/answer pair produced by shredding.
type ResponseRow struct {
	ResponseID int64           `json:"responseId"`
	Key        string          `json:"key"`
	GroupKey   string          `json:"groupKey,omitempty"`
	GroupIndex int             `json:"groupIndex,omitempty"`
	ResultType string          `json:"resultType"`
	Skipped    bool            `json:"skipped"`
	Value      json.RawMessage `json:"value,omitempty"`
	StartTime  *time.Time      `json:"startTime,omitempty"`
	EndTime    *time.Time      `json:"endTime,omitempty"`
}

// ForwardingConfig is the per-container partner delivery configuration.
type ForwardingConfig struct {
	Container       string         `json:"container"`
	Mode            ForwardingMode `json:"forwardingType"`
	BasicURL        string         `json:"basicURL,omitempty"`
	Username        string         `json:"username,omitempty"`
	Password        string         `json:"password,omitempty"`
	TokenRequestURL string         `json:"tokenRequestURL,omitempty"`
	TokenField      string         `json:"tokenField,omitempty"`
	Header          string         `json:"header,omitempty"`
	OAuthURL        string         `json:"oauthURL,omitempty"`
}

// ParticipantProperty is a pre-enrollment value returned to the mobile app.
type ParticipantProperty struct {
	PropertyID   string `json:"propertyId"`
	PropertyType string `json:"propertyType,omitempty"`
	Value        string `json:"value"`
}

// AdminUser is an operator allowed to call admin routes.
type AdminUser struct {
	ID        string
	Email     string
	PassHash  []byte
	CreatedAt time.Time
}

// AuditEntry records an admin or participant action.
type AuditEntry struct {
	Time   time.Time
	Actor  string
	Action string
	Target string
	Note   string
}
