package occurrence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fleetmon/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// uniqueViolation is the Postgres SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// PostgresStore persists occurrences and delivery attempts in Postgres.
// Params: pooled database handle opened with the pgx stdlib driver.
// Returns: durable occurrence store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the occurrence database.
// Params: ctx for the liveness ping; dsn Postgres connection string.
// Returns: ready store or connection error.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open occurrence db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping occurrence db: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle, mainly for tests.
// Params: db open database handle.
// Returns: store sharing the handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Insert appends one occurrence, rejecting duplicate IDs.
// Params: ctx and occurrence to record.
// Returns: ErrDuplicate when the primary key already exists.
func (s *PostgresStore) Insert(ctx context.Context, occ domain.AlertOccurrence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_occurrences
			(id, account_id, group_id, agent_id, rule_id, severity, metric,
			 message, anomaly_type, anomaly_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		occ.ID, occ.AccountID, occ.GroupID, occ.AgentID, occ.RuleID,
		occ.Severity, occ.Metric, occ.Message, occ.AnomalyType, occ.AnomalyData,
		occ.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("insert occurrence: %w", err)
	}
	return nil
}

// List returns occurrences for one group, newest first.
// Params: ctx, group ID, page limit, and offset.
// Returns: page of occurrences.
func (s *PostgresStore) List(ctx context.Context, groupID string, limit, offset int) ([]domain.AlertOccurrence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, group_id, agent_id, rule_id, severity, metric,
		       message, anomaly_type, anomaly_data, created_at
		FROM alert_occurrences
		WHERE group_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, groupID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query occurrences: %w", err)
	}
	defer rows.Close()

	var out []domain.AlertOccurrence
	for rows.Next() {
		var occ domain.AlertOccurrence
		if err := rows.Scan(
			&occ.ID, &occ.AccountID, &occ.GroupID, &occ.AgentID, &occ.RuleID,
			&occ.Severity, &occ.Metric, &occ.Message, &occ.AnomalyType,
			&occ.AnomalyData, &occ.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan occurrence: %w", err)
		}
		out = append(out, occ)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate occurrences: %w", err)
	}
	return out, nil
}

// RecordAttempt appends one delivery attempt.
// Params: ctx and attempt with occurrence/channel identity and outcome.
// Returns: insert error.
func (s *PostgresStore) RecordAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts
			(occurrence_id, channel_id, attempt_number, outcome, response_code,
			 terminal, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		attempt.OccurrenceID, attempt.ChannelID, attempt.AttemptNumber,
		attempt.Outcome, attempt.ResponseCode, attempt.Terminal, attempt.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

// Attempts lists attempts for one (occurrence, channel) pair in order.
// Params: ctx, occurrence and channel IDs.
// Returns: attempts ordered by attempt number.
func (s *PostgresStore) Attempts(ctx context.Context, occurrenceID, channelID string) ([]domain.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurrence_id, channel_id, attempt_number, outcome, response_code,
		       terminal, attempted_at
		FROM delivery_attempts
		WHERE occurrence_id = $1 AND channel_id = $2
		ORDER BY attempt_number
	`, occurrenceID, channelID)
	if err != nil {
		return nil, fmt.Errorf("query delivery attempts: %w", err)
	}
	defer rows.Close()

	var out []domain.DeliveryAttempt
	for rows.Next() {
		var attempt domain.DeliveryAttempt
		if err := rows.Scan(
			&attempt.OccurrenceID, &attempt.ChannelID, &attempt.AttemptNumber,
			&attempt.Outcome, &attempt.ResponseCode, &attempt.Terminal,
			&attempt.AttemptedAt,
		); err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		out = append(out, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery attempts: %w", err)
	}
	return out, nil
}

// TerminalOutcome reports the terminal attempt outcome, if any.
// Params: ctx, occurrence and channel IDs.
// Returns: outcome and presence flag.
func (s *PostgresStore) TerminalOutcome(ctx context.Context, occurrenceID, channelID string) (domain.AttemptOutcome, bool, error) {
	var outcome domain.AttemptOutcome
	err := s.db.QueryRowContext(ctx, `
		SELECT outcome
		FROM delivery_attempts
		WHERE occurrence_id = $1 AND channel_id = $2 AND terminal
		ORDER BY attempt_number DESC
		LIMIT 1
	`, occurrenceID, channelID).Scan(&outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query terminal outcome: %w", err)
	}
	return outcome, true, nil
}

// Close closes the database handle.
// Params: none.
// Returns: close error.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
