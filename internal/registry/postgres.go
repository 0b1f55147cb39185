package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fleetmon/internal/domain"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresSource reads the tables maintained by the external config API.
// Params: pooled database handle opened with the pgx stdlib driver.
// Returns: authoritative registry source.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource opens the config database.
// Params: ctx for the liveness ping; dsn Postgres connection string.
// Returns: ready source or connection error.
func NewPostgresSource(ctx context.Context, dsn string) (*PostgresSource, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping registry db: %w", err)
	}
	return &PostgresSource{db: db}, nil
}

// NewPostgresSourceFromDB wraps an existing handle, mainly for tests.
// Params: db open database handle.
// Returns: source sharing the handle.
func NewPostgresSourceFromDB(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

const ruleColumns = `id, group_id, name, metric, operator, threshold, severity, window_seconds, enabled`

// RulesForGroup lists rules configured for one group.
// Params: ctx and group ID.
// Returns: rules in creation order.
func (s *PostgresSource) RulesForGroup(ctx context.Context, groupID string) ([]domain.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM alert_rules
		WHERE group_id = $1
		ORDER BY created_at, id
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// AllRules lists every rule across all groups.
// Params: ctx.
// Returns: rules in creation order.
func (s *PostgresSource) AllRules(ctx context.Context) ([]domain.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM alert_rules
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// scanRules drains one rule result set.
// Params: rows positioned before the first row.
// Returns: decoded rules or scan error.
func scanRules(rows *sql.Rows) ([]domain.Rule, error) {
	var rules []domain.Rule
	for rows.Next() {
		var rule domain.Rule
		if err := rows.Scan(
			&rule.ID,
			&rule.GroupID,
			&rule.Name,
			&rule.Metric,
			&rule.Operator,
			&rule.Threshold,
			&rule.Severity,
			&rule.WindowSeconds,
			&rule.Enabled,
		); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return rules, nil
}

// ChannelsForGroup lists channels configured for one group.
// Params: ctx and group ID.
// Returns: channels in creation order.
func (s *PostgresSource) ChannelsForGroup(ctx context.Context, groupID string) ([]domain.AlertChannel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, type, target,
		       COALESCE(webhook_method, ''),
		       COALESCE(webhook_headers, '{}'::jsonb)::text,
		       COALESCE(webhook_body, ''),
		       enabled
		FROM alert_channels
		WHERE group_id = $1
		ORDER BY created_at, id
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var channels []domain.AlertChannel
	for rows.Next() {
		var (
			channel    domain.AlertChannel
			rawHeaders string
		)
		if err := rows.Scan(
			&channel.ID,
			&channel.GroupID,
			&channel.Type,
			&channel.Target,
			&channel.WebhookMethod,
			&rawHeaders,
			&channel.WebhookBody,
			&channel.Enabled,
		); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		headers, err := domain.DecodeHeaderMap(rawHeaders)
		if err != nil {
			return nil, fmt.Errorf("decode channel %q headers: %w", channel.ID, err)
		}
		channel.WebhookHeaders = headers
		channels = append(channels, channel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return channels, nil
}

// AgentGroup resolves the group assignment for one agent.
// Params: ctx and agent ID.
// Returns: group ID or ErrAgentUnknown.
func (s *PostgresSource) AgentGroup(ctx context.Context, agentID string) (string, error) {
	var groupID string
	err := s.db.QueryRowContext(ctx, `
		SELECT group_id FROM agents WHERE id = $1
	`, agentID).Scan(&groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrAgentUnknown
	}
	if err != nil {
		return "", fmt.Errorf("query agent group: %w", err)
	}
	return groupID, nil
}

// GroupAccount resolves the account binding for one group.
// Params: ctx and group ID.
// Returns: account ID or ErrGroupUnknown.
func (s *PostgresSource) GroupAccount(ctx context.Context, groupID string) (string, error) {
	var accountID string
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id FROM agent_groups WHERE id = $1
	`, groupID).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrGroupUnknown
	}
	if err != nil {
		return "", fmt.Errorf("query group account: %w", err)
	}
	return accountID, nil
}

// Close closes the database handle.
// Params: none.
// Returns: close error.
func (s *PostgresSource) Close() error {
	return s.db.Close()
}
