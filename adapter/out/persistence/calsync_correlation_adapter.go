package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"calsync_server/core/domain"
	"calsync_server/core/port/out"
)

// CorrelationAdapter implements out.CorrelationRepository using PostgreSQL.
// Event ids and the payload envelopes are jsonb columns; the row is the
// durable link between an external record and its calendar events.
type CorrelationAdapter struct {
	db *sqlx.DB
}

func NewCorrelationAdapter(db *sqlx.DB) *CorrelationAdapter {
	return &CorrelationAdapter{db: db}
}

// correlationRow represents the app_data table row.
type correlationRow struct {
	ID              int64          `db:"id"`
	UUID            uuid.UUID      `db:"uuid"`
	RecordID        int64          `db:"record_id"`
	SiteID          int64          `db:"site_id"`
	CalendarID      string         `db:"calendar_id"`
	EventIDs        pq.StringArray `db:"event_ids"`
	ReceivedPayload []byte         `db:"received_payload"`
	SentPayload     []byte         `db:"sent_payload"`
	Active          bool           `db:"active"`
	ExecAt          sql.NullTime   `db:"exec_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r *correlationRow) toDomain() (*domain.RecordCorrelation, error) {
	corr := &domain.RecordCorrelation{
		ID:         r.ID,
		UUID:       r.UUID,
		RecordID:   r.RecordID,
		SiteID:     r.SiteID,
		CalendarID: r.CalendarID,
		Active:     r.Active,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.ExecAt.Valid {
		corr.ExecAt = r.ExecAt.Time
	}
	corr.EventIDs = []string(r.EventIDs)
	if len(r.ReceivedPayload) > 0 {
		if err := json.Unmarshal(r.ReceivedPayload, &corr.ReceivedPayload); err != nil {
			return nil, fmt.Errorf("correlation %d received payload is not valid JSON: %w", r.ID, err)
		}
	}
	if len(r.SentPayload) > 0 {
		if err := json.Unmarshal(r.SentPayload, &corr.SentPayload); err != nil {
			return nil, fmt.Errorf("correlation %d sent payload is not valid JSON: %w", r.ID, err)
		}
	}
	return corr, nil
}

// FindActive returns the single active correlation for the pair, or nil
// when the record was never synced (or already torn down).
func (a *CorrelationAdapter) FindActive(ctx context.Context, recordID, siteID int64) (*domain.RecordCorrelation, error) {
	var row correlationRow
	err := a.db.GetContext(ctx, &row,
		`SELECT * FROM app_data
		 WHERE record_id = $1 AND site_id = $2 AND active = true
		 ORDER BY id DESC LIMIT 1`,
		recordID, siteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

// UpsertOnAdd inserts the correlation, or replaces the mutable columns of
// the existing row when the caller carries its id.
func (a *CorrelationAdapter) UpsertOnAdd(ctx context.Context, corr *domain.RecordCorrelation) (*domain.RecordCorrelation, error) {
	eventIDs := pq.Array(corr.EventIDs)
	received, err := json.Marshal(corr.ReceivedPayload)
	if err != nil {
		return nil, err
	}
	sent, err := json.Marshal(corr.SentPayload)
	if err != nil {
		return nil, err
	}

	if corr.ID == 0 {
		err = a.db.QueryRowxContext(ctx,
			`INSERT INTO app_data (
				uuid, record_id, site_id, calendar_id, event_ids,
				received_payload, sent_payload, active, exec_at, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
			RETURNING id, created_at, updated_at`,
			uuid.New(), corr.RecordID, corr.SiteID, corr.CalendarID, eventIDs,
			received, sent, corr.Active, corr.ExecAt,
		).Scan(&corr.ID, &corr.CreatedAt, &corr.UpdatedAt)
		if err != nil {
			return nil, err
		}
		return corr, nil
	}

	res, err := a.db.ExecContext(ctx,
		`UPDATE app_data SET
			calendar_id = $1, event_ids = $2, received_payload = $3,
			sent_payload = $4, active = $5, exec_at = $6, updated_at = NOW()
		 WHERE id = $7`,
		corr.CalendarID, eventIDs, received, sent, corr.Active, corr.ExecAt, corr.ID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return corr, nil
}

// AppendSentPayload appends an audit entry under a row lock so interleaved
// appends cannot drop each other's entries.
func (a *CorrelationAdapter) AppendSentPayload(ctx context.Context, corrID int64, entry domain.PayloadEntry) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var stored []byte
	err = tx.GetContext(ctx, &stored,
		`SELECT sent_payload FROM app_data WHERE id = $1 FOR UPDATE`, corrID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	var envelope domain.PayloadEnvelope
	if len(stored) > 0 {
		if err := json.Unmarshal(stored, &envelope); err != nil {
			return fmt.Errorf("correlation %d sent payload is not valid JSON: %w", corrID, err)
		}
	}
	envelope.Append(entry)

	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE app_data SET sent_payload = $1, updated_at = NOW() WHERE id = $2`,
		data, corrID); err != nil {
		return err
	}
	return tx.Commit()
}

func (a *CorrelationAdapter) Deactivate(ctx context.Context, corrID int64) error {
	res, err := a.db.ExecContext(ctx,
		`UPDATE app_data SET active = false, updated_at = NOW() WHERE id = $1`, corrID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (a *CorrelationAdapter) ListBySite(ctx context.Context, siteID int64, limit int) ([]*domain.RecordCorrelation, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []correlationRow
	err := a.db.SelectContext(ctx, &rows,
		`SELECT * FROM app_data WHERE site_id = $1 ORDER BY updated_at DESC LIMIT $2`,
		siteID, limit)
	if err != nil {
		return nil, err
	}
	result := make([]*domain.RecordCorrelation, 0, len(rows))
	for i := range rows {
		corr, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, corr)
	}
	return result, nil
}

var _ out.CorrelationRepository = (*CorrelationAdapter)(nil)
