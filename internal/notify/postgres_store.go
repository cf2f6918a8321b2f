package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresSubscriptionStore persists webhook subscriptions in PostgreSQL.
type PostgresSubscriptionStore struct {
	db *sql.DB
}

// NewPostgresSubscriptionStore creates a PostgreSQL-backed subscription store.
func NewPostgresSubscriptionStore(db *sql.DB) *PostgresSubscriptionStore {
	return &PostgresSubscriptionStore{db: db}
}

func (p *PostgresSubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notification_subscriptions
			(id, user_id, url, secret, categories, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.UserID, sub.URL, sub.Secret,
		pq.Array(sub.Categories), sub.Active, sub.CreatedAt,
	)
	return err
}

func (p *PostgresSubscriptionStore) GetByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, url, secret, categories, active, created_at,
		       last_success, last_error
		FROM notification_subscriptions
		WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		sub := &Subscription{}
		var lastSuccess sql.NullTime
		var lastError sql.NullString
		err := rows.Scan(&sub.ID, &sub.UserID, &sub.URL, &sub.Secret,
			pq.Array(&sub.Categories), &sub.Active, &sub.CreatedAt,
			&lastSuccess, &lastError)
		if err != nil {
			return nil, err
		}
		if lastSuccess.Valid {
			sub.LastSuccess = &lastSuccess.Time
		}
		sub.LastError = lastError.String
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (p *PostgresSubscriptionStore) Update(ctx context.Context, sub *Subscription) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE notification_subscriptions SET
			url = $1, secret = $2, categories = $3, active = $4,
			last_success = $5, last_error = $6
		WHERE id = $7`,
		sub.URL, sub.Secret, pq.Array(sub.Categories), sub.Active,
		nullTime(sub.LastSuccess), nullString(sub.LastError), sub.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("subscription not found")
	}
	return nil
}

func (p *PostgresSubscriptionStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM notification_subscriptions WHERE id = $1`, id)
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ SubscriptionStore = (*PostgresSubscriptionStore)(nil)
