package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/soaringjerry/Cohort/internal/api"
	"github.com/soaringjerry/Cohort/internal/models"
	"github.com/soaringjerry/Cohort/internal/services"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore applies connection pragmas and pins the pool to a single
// connection; sqlite serialises writers anyway and transactions rely on it.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func NewStore(db *sql.DB) (api.Store, error) {
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) logErr(prefix string, err error) {
	if err != nil {
		log.Printf("sqlite store: %s: %v", prefix, err)
	}
}

func boolToInt64(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func int64ToBool(v int64) bool { return v != 0 }

func toNullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func toNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		log.Printf("sqlite store: parse time %q: %v", s, err)
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func encodeStringMap(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeStringMap(ns sql.NullString) map[string]string {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		log.Printf("sqlite store: decode string map: %v", err)
		return nil
	}
	return out
}

func isConstraintViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// withTx runs fn in a transaction, committing only when fn returns nil.
func (s *SQLiteStore) withTx(name string, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%s begin: %w", name, err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				s.logErr(name+" rollback", rerr)
			}
			return
		}
		if err = tx.Commit(); err != nil {
			err = fmt.Errorf("%s commit: %w", name, err)
		}
	}()
	return fn(tx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- Studies ---

const studyColumns = `row_id, short_name, container, collection_enabled, created_by, created_at, modified_at`

func scanStudy(r rowScanner) (*models.Study, error) {
	var st models.Study
	var enabled int64
	var createdBy sql.NullString
	var created, modified string
	if err := r.Scan(&st.RowID, &st.ShortName, &st.Container, &enabled, &createdBy, &created, &modified); err != nil {
		return nil, err
	}
	st.CollectionEnabled = int64ToBool(enabled)
	st.CreatedBy = createdBy.String
	st.CreatedAt = parseTime(created)
	st.ModifiedAt = parseTime(modified)
	return &st, nil
}

func (s *SQLiteStore) GetStudyByContainer(container string) (*models.Study, error) {
	row := s.db.QueryRow(`SELECT `+studyColumns+` FROM studies WHERE container = ?`, container)
	st, err := scanStudy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return st, err
}

func (s *SQLiteStore) FindStudiesByShortName(shortName string) ([]*models.Study, error) {
	rows, err := s.db.Query(`SELECT `+studyColumns+` FROM studies WHERE short_name = ? ORDER BY row_id ASC`, shortName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Study
	for rows.Next() {
		st, err := scanStudy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertStudy(st *models.Study) (*models.Study, error) {
	_, err := s.db.Exec(`INSERT INTO studies (short_name, container, collection_enabled, created_by, created_at, modified_at)
      VALUES (?, ?, ?, ?, ?, ?)
      ON CONFLICT(container) DO UPDATE SET short_name = excluded.short_name,
        collection_enabled = excluded.collection_enabled, modified_at = excluded.modified_at`,
		st.ShortName, st.Container, boolToInt64(st.CollectionEnabled), toNullString(st.CreatedBy),
		formatTime(st.CreatedAt), formatTime(st.ModifiedAt))
	if err != nil {
		return nil, fmt.Errorf("upsert study: %w", err)
	}
	return s.GetStudyByContainer(st.Container)
}

func (s *SQLiteStore) CountParticipants(container string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM participants WHERE container = ?`, container).Scan(&n)
	return n, err
}

// --- Tokens ---

func (s *SQLiteStore) CreateTokenBatch(b *models.EnrollmentTokenBatch, tokens []*models.EnrollmentToken) error {
	return s.withTx("CreateTokenBatch", func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO token_batches (id, container, count, created_by, created_at) VALUES (?, ?, ?, ?, ?)`,
			b.ID, b.Container, b.Count, toNullString(b.CreatedBy), formatTime(b.CreatedAt)); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		stmt, err := tx.Prepare(`INSERT INTO enrollment_tokens (container, token, batch_id, used, properties) VALUES (?, ?, ?, 0, NULL)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, t := range tokens {
			if _, err := stmt.Exec(t.Container, t.Token, b.ID); err != nil {
				if isConstraintViolation(err) {
					return services.ErrTokenCollision
				}
				return fmt.Errorf("insert token: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) TokenExists(container, token string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM enrollment_tokens WHERE container = ? AND token = ?`, container, token).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

const tokenColumns = `t.container, t.token, t.batch_id, t.used, t.properties`

func scanToken(r rowScanner) (*models.EnrollmentToken, error) {
	var t models.EnrollmentToken
	var used int64
	var props sql.NullString
	if err := r.Scan(&t.Container, &t.Token, &t.BatchID, &used, &props); err != nil {
		return nil, err
	}
	t.Used = int64ToBool(used)
	t.Properties = decodeStringMap(props)
	return &t, nil
}

func (s *SQLiteStore) queryTokens(query string, args ...any) ([]*models.EnrollmentToken, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.EnrollmentToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FindToken(container, token string) (*models.EnrollmentToken, error) {
	row := s.db.QueryRow(`SELECT `+tokenColumns+` FROM enrollment_tokens t WHERE t.container = ? AND t.token = ?`, container, token)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *SQLiteStore) FindTokensByValue(token string) ([]*models.EnrollmentToken, error) {
	return s.queryTokens(`SELECT `+tokenColumns+` FROM enrollment_tokens t
      JOIN token_batches b ON b.id = t.batch_id
      WHERE t.token = ? ORDER BY b.created_at ASC, b.id ASC`, token)
}

func (s *SQLiteStore) ListTokens(batchID string) ([]*models.EnrollmentToken, error) {
	return s.queryTokens(`SELECT `+tokenColumns+` FROM enrollment_tokens t WHERE t.batch_id = ? ORDER BY t.token ASC`, batchID)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// markUsed flips used with one conditional update and classifies a miss.
func markUsed(e execer, container, token string) (models.MarkResult, error) {
	res, err := e.Exec(`UPDATE enrollment_tokens SET used = 1 WHERE container = ? AND token = ? AND used = 0`, container, token)
	if err != nil {
		return models.MarkNotFound, fmt.Errorf("mark token used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.MarkNotFound, err
	}
	if n == 1 {
		return models.MarkOK, nil
	}
	var used int64
	err = e.QueryRow(`SELECT used FROM enrollment_tokens WHERE container = ? AND token = ?`, container, token).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MarkNotFound, nil
	}
	if err != nil {
		return models.MarkNotFound, err
	}
	return models.MarkAlreadyUsed, nil
}

func (s *SQLiteStore) MarkTokenUsed(container, token string) (models.MarkResult, error) {
	return markUsed(s.db, container, token)
}

func (s *SQLiteStore) SetTokenProperties(container, token string, props map[string]string) (models.MarkResult, error) {
	enc, err := encodeStringMap(props)
	if err != nil {
		return models.MarkNotFound, err
	}
	res, err := s.db.Exec(`UPDATE enrollment_tokens SET properties = ? WHERE container = ? AND token = ? AND used = 0`, enc, container, token)
	if err != nil {
		return models.MarkNotFound, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return models.MarkOK, nil
	}
	exists, err := s.TokenExists(container, token)
	if err != nil || !exists {
		return models.MarkNotFound, err
	}
	return models.MarkAlreadyUsed, nil
}

func (s *SQLiteStore) HasTokenBatches(container string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM token_batches WHERE container = ? LIMIT 1`, container).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

const batchColumns = `b.id, b.container, b.count, b.created_by, b.created_at,
  (SELECT COUNT(*) FROM enrollment_tokens t WHERE t.batch_id = b.id AND t.used = 1)`

func scanBatch(r rowScanner) (*models.EnrollmentTokenBatch, error) {
	var b models.EnrollmentTokenBatch
	var createdBy sql.NullString
	var created string
	if err := r.Scan(&b.ID, &b.Container, &b.Count, &createdBy, &created, &b.UsedCount); err != nil {
		return nil, err
	}
	b.CreatedBy = createdBy.String
	b.CreatedAt = parseTime(created)
	return &b, nil
}

func (s *SQLiteStore) GetTokenBatch(id string) (*models.EnrollmentTokenBatch, error) {
	b, err := scanBatch(s.db.QueryRow(`SELECT `+batchColumns+` FROM token_batches b WHERE b.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (s *SQLiteStore) ListTokenBatches(container string) ([]*models.EnrollmentTokenBatch, error) {
	rows, err := s.db.Query(`SELECT `+batchColumns+` FROM token_batches b WHERE b.container = ? ORDER BY b.created_at ASC, b.id ASC`, container)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.EnrollmentTokenBatch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- Participants ---

func (s *SQLiteStore) EnrollParticipant(p *models.Participant) (models.MarkResult, error) {
	result := models.MarkOK
	err := s.withTx("EnrollParticipant", func(tx *sql.Tx) error {
		if p.Token != "" {
			res, err := markUsed(tx, p.Container, p.Token)
			if err != nil {
				return err
			}
			if res != models.MarkOK {
				result = res
				return errAbort
			}
		}
		r, err := tx.Exec(`INSERT INTO participants (app_token, study_row_id, container, status, allow_data_sharing, token, enrolled_at)
          VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.AppToken, p.StudyID, p.Container, string(p.Status), p.AllowDataSharing, toNullString(p.Token), formatTime(p.EnrolledAt))
		if err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
		p.RowID, err = r.LastInsertId()
		return err
	})
	if errors.Is(err, errAbort) {
		return result, nil
	}
	return result, err
}

// errAbort rolls back a transaction without reporting a failure.
var errAbort = errors.New("abort transaction")

func (s *SQLiteStore) GetParticipantByAppToken(appToken string) (*models.Participant, error) {
	var p models.Participant
	var status, enrolled string
	var token sql.NullString
	err := s.db.QueryRow(`SELECT row_id, app_token, study_row_id, container, status, allow_data_sharing, token, enrolled_at
      FROM participants WHERE app_token = ?`, appToken).
		Scan(&p.RowID, &p.AppToken, &p.StudyID, &p.Container, &status, &p.AllowDataSharing, &token, &enrolled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Status = models.ParticipantStatus(status)
	p.Token = token.String
	p.EnrolledAt = parseTime(enrolled)
	return &p, nil
}

func (s *SQLiteStore) SetParticipantStatus(rowID int64, status models.ParticipantStatus) error {
	_, err := s.db.Exec(`UPDATE participants SET status = ? WHERE row_id = ?`, string(status), rowID)
	return err
}

func (s *SQLiteStore) DeleteParticipantResponses(participantID int64) (int, error) {
	var n int64
	err := s.withTx("DeleteParticipantResponses", func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM response_rows WHERE response_id IN (SELECT row_id FROM survey_responses WHERE participant_id = ?)`, participantID); err != nil {
			return err
		}
		res, err := tx.Exec(`DELETE FROM survey_responses WHERE participant_id = ?`, participantID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// --- Responses ---

const responseColumns = `row_id, participant_id, container, activity_id, version, language, payload, status,
  error_message, processed_by, processed_at, leased_until, forwarded_at, submitted_at`

func scanResponse(r rowScanner) (*models.SurveyResponse, error) {
	var resp models.SurveyResponse
	var payload, status, submitted string
	var errMsg, processedBy, processedAt, leasedUntil, forwardedAt sql.NullString
	if err := r.Scan(&resp.RowID, &resp.ParticipantID, &resp.Container, &resp.ActivityID, &resp.Version, &resp.Language,
		&payload, &status, &errMsg, &processedBy, &processedAt, &leasedUntil, &forwardedAt, &submitted); err != nil {
		return nil, err
	}
	resp.Payload = json.RawMessage(payload)
	resp.Status = models.ResponseStatus(status)
	resp.ErrorMessage = errMsg.String
	resp.ProcessedBy = processedBy.String
	resp.ProcessedAt = parseNullTime(processedAt)
	resp.LeasedUntil = parseNullTime(leasedUntil)
	resp.ForwardedAt = parseNullTime(forwardedAt)
	resp.SubmittedAt = parseTime(submitted)
	return &resp, nil
}

func (s *SQLiteStore) queryResponses(query string, args ...any) ([]*models.SurveyResponse, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*models.SurveyResponse{}
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertResponse(r *models.SurveyResponse) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO survey_responses (participant_id, container, activity_id, version, language, payload, status, submitted_at)
      VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ParticipantID, r.Container, r.ActivityID, r.Version, r.Language, string(r.Payload), string(r.Status), formatTime(r.SubmittedAt))
	if err != nil {
		return 0, fmt.Errorf("insert response: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) GetResponse(rowID int64) (*models.SurveyResponse, error) {
	r, err := scanResponse(s.db.QueryRow(`SELECT `+responseColumns+` FROM survey_responses WHERE row_id = ?`, rowID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *SQLiteStore) ListResponsesByParticipant(participantID int64) ([]*models.SurveyResponse, error) {
	return s.queryResponses(`SELECT `+responseColumns+` FROM survey_responses WHERE participant_id = ? ORDER BY row_id ASC`, participantID)
}

func (s *SQLiteStore) ListResponsesByContainer(container string, status models.ResponseStatus, limit int) ([]*models.SurveyResponse, error) {
	if status == "" {
		return s.queryResponses(`SELECT `+responseColumns+` FROM survey_responses WHERE container = ? ORDER BY row_id ASC LIMIT ?`, container, limit)
	}
	return s.queryResponses(`SELECT `+responseColumns+` FROM survey_responses WHERE container = ? AND status = ? ORDER BY row_id ASC LIMIT ?`,
		container, string(status), limit)
}

func (s *SQLiteStore) ListResponsesByStatus(status models.ResponseStatus, limit int) ([]*models.SurveyResponse, error) {
	return s.queryResponses(`SELECT `+responseColumns+` FROM survey_responses WHERE status = ? ORDER BY row_id ASC LIMIT ?`, string(status), limit)
}

func (s *SQLiteStore) ListExpiredLeases(t time.Time, limit int) ([]*models.SurveyResponse, error) {
	return s.queryResponses(`SELECT `+responseColumns+` FROM survey_responses
      WHERE status = ? AND (leased_until IS NULL OR leased_until < ?) ORDER BY row_id ASC LIMIT ?`,
		string(models.ResponseProcessing), formatTime(t), limit)
}

// TransitionResponse is a compare-and-swap on status.
func (s *SQLiteStore) TransitionResponse(rowID int64, from, to models.ResponseStatus, u services.StatusUpdate) (bool, error) {
	res, err := s.db.Exec(`UPDATE survey_responses
      SET status = ?, error_message = ?, processed_by = ?, processed_at = ?, leased_until = ?
      WHERE row_id = ? AND status = ?`,
		string(to), toNullString(u.ErrorMessage), toNullString(u.ProcessedBy), toNullTime(u.ProcessedAt), toNullTime(u.LeasedUntil),
		rowID, string(from))
	if err != nil {
		return false, fmt.Errorf("transition response %d: %w", rowID, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) WriteResponseRows(responseID int64, rows []*models.ResponseRow) error {
	return s.withTx("WriteResponseRows", func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM response_rows WHERE response_id = ?`, responseID); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		stmt, err := tx.Prepare(`INSERT INTO response_rows
          (response_id, position, question_key, group_key, group_index, result_type, skipped, value, start_time, end_time)
          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, r := range rows {
			var value sql.NullString
			if len(r.Value) > 0 {
				value = sql.NullString{String: string(r.Value), Valid: true}
			}
			if _, err := stmt.Exec(responseID, i, r.Key, toNullString(r.GroupKey), r.GroupIndex, toNullString(r.ResultType),
				boolToInt64(r.Skipped), value, toNullTime(r.StartTime), toNullTime(r.EndTime)); err != nil {
				return fmt.Errorf("insert response row: %w", err)
			}
		}
		return nil
	})
}

// ListResponseRows returns the shredded rows of a response in write order.
func (s *SQLiteStore) ListResponseRows(responseID int64) ([]*models.ResponseRow, error) {
	rows, err := s.db.Query(`SELECT question_key, group_key, group_index, result_type, skipped, value, start_time, end_time
      FROM response_rows WHERE response_id = ? ORDER BY position ASC`, responseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.ResponseRow
	for rows.Next() {
		r := &models.ResponseRow{ResponseID: responseID}
		var groupKey, resultType, value, start, end sql.NullString
		var skipped int64
		if err := rows.Scan(&r.Key, &groupKey, &r.GroupIndex, &resultType, &skipped, &value, &start, &end); err != nil {
			return nil, err
		}
		r.GroupKey = groupKey.String
		r.ResultType = resultType.String
		r.Skipped = int64ToBool(skipped)
		if value.Valid {
			r.Value = json.RawMessage(value.String)
		}
		r.StartTime = parseNullTime(start)
		r.EndTime = parseNullTime(end)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListUnforwardedResponses(container string, limit int) ([]*models.SurveyResponse, error) {
	return s.queryResponses(`SELECT `+responseColumns+` FROM survey_responses
      WHERE container = ? AND status = ? AND forwarded_at IS NULL ORDER BY row_id ASC LIMIT ?`,
		container, string(models.ResponseProcessed), limit)
}

func (s *SQLiteStore) MarkForwarded(rowID int64, at time.Time) error {
	_, err := s.db.Exec(`UPDATE survey_responses SET forwarded_at = ? WHERE row_id = ?`, formatTime(at), rowID)
	return err
}

// --- Forwarding configuration ---

const forwardingColumns = `container, mode, basic_url, username, password, token_request_url, token_field, header, oauth_url`

func scanForwarding(r rowScanner) (*models.ForwardingConfig, error) {
	var c models.ForwardingConfig
	var mode string
	var basicURL, user, pass, tokenURL, tokenField, header, oauthURL sql.NullString
	if err := r.Scan(&c.Container, &mode, &basicURL, &user, &pass, &tokenURL, &tokenField, &header, &oauthURL); err != nil {
		return nil, err
	}
	c.Mode = models.ForwardingMode(mode)
	c.BasicURL, c.Username, c.Password = basicURL.String, user.String, pass.String
	c.TokenRequestURL, c.TokenField, c.Header, c.OAuthURL = tokenURL.String, tokenField.String, header.String, oauthURL.String
	return &c, nil
}

func (s *SQLiteStore) GetForwardingConfig(container string) (*models.ForwardingConfig, error) {
	c, err := scanForwarding(s.db.QueryRow(`SELECT `+forwardingColumns+` FROM forwarding_configs WHERE container = ?`, container))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStore) ListForwardingConfigs() ([]*models.ForwardingConfig, error) {
	rows, err := s.db.Query(`SELECT ` + forwardingColumns + ` FROM forwarding_configs ORDER BY container ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.ForwardingConfig
	for rows.Next() {
		c, err := scanForwarding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveForwardingConfig(c *models.ForwardingConfig) error {
	_, err := s.db.Exec(`INSERT INTO forwarding_configs (`+forwardingColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
      ON CONFLICT(container) DO UPDATE SET mode = excluded.mode, basic_url = excluded.basic_url,
        username = excluded.username, password = excluded.password, token_request_url = excluded.token_request_url,
        token_field = excluded.token_field, header = excluded.header, oauth_url = excluded.oauth_url`,
		c.Container, string(c.Mode), toNullString(c.BasicURL), toNullString(c.Username), toNullString(c.Password),
		toNullString(c.TokenRequestURL), toNullString(c.TokenField), toNullString(c.Header), toNullString(c.OAuthURL))
	return err
}

// --- Admins and audit ---

func (s *SQLiteStore) FindAdminByEmail(email string) (*models.AdminUser, error) {
	var u models.AdminUser
	var created string
	err := s.db.QueryRow(`SELECT id, email, pass_hash, created_at FROM admin_users WHERE email = ?`, email).
		Scan(&u.ID, &u.Email, &u.PassHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parseTime(created)
	return &u, nil
}

func (s *SQLiteStore) AddAdmin(u *models.AdminUser) error {
	_, err := s.db.Exec(`INSERT INTO admin_users (id, email, pass_hash, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.PassHash, formatTime(u.CreatedAt))
	return err
}

func (s *SQLiteStore) AddAudit(e models.AuditEntry) {
	_, err := s.db.Exec(`INSERT INTO audit_log (time, actor, action, target, note) VALUES (?, ?, ?, ?, ?)`,
		formatTime(e.Time), toNullString(e.Actor), e.Action, toNullString(e.Target), toNullString(e.Note))
	s.logErr("AddAudit", err)
}

var _ api.Store = (*SQLiteStore)(nil)
