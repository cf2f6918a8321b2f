package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is the production Store backed by Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, listing_id, buyer_id, seller_id,
	package_name, package_price_cents, quantity, extras,
	subtotal_cents, service_fee_cents, total_cents, currency,
	delivery_days, original_due_at, due_at,
	started_at, delivered_at, completed_at, cancelled_at,
	revisions_allowed, revisions_used, status, payment_status,
	payment_intent_id, current_delivery_id, cancel_reason, cancelled_by,
	requirements, requirement_files, created_at, updated_at`

func (s *PostgresStore) CreateOrder(ctx context.Context, o *ServiceOrder) error {
	extras, err := json.Marshal(o.Extras)
	if err != nil {
		return fmt.Errorf("marshal extras: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31)`,
		o.ID, o.ListingID, o.BuyerID, o.SellerID,
		o.PackageName, o.PackagePriceCents, o.Quantity, extras,
		o.SubtotalCents, o.ServiceFeeCents, o.TotalCents, o.Currency,
		o.DeliveryDays, o.OriginalDueAt, o.DueAt,
		nullTime(o.StartedAt), nullTime(o.DeliveredAt), nullTime(o.CompletedAt), nullTime(o.CancelledAt),
		o.RevisionsAllowed, o.RevisionsUsed, o.Status, o.PaymentStatus,
		o.PaymentIntentID, nullString(o.CurrentDeliveryID), nullString(o.CancelReason), nullString(o.CancelledBy),
		nullString(o.Requirements), pq.Array(o.RequirementFiles), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*ServiceOrder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o *ServiceOrder) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET
			due_at = $2, started_at = $3, delivered_at = $4, completed_at = $5, cancelled_at = $6,
			revisions_used = $7, status = $8, payment_status = $9,
			current_delivery_id = $10, cancel_reason = $11, cancelled_by = $12,
			requirements = $13, requirement_files = $14, updated_at = $15
		WHERE id = $1`,
		o.ID,
		o.DueAt, nullTime(o.StartedAt), nullTime(o.DeliveredAt), nullTime(o.CompletedAt), nullTime(o.CancelledAt),
		o.RevisionsUsed, o.Status, o.PaymentStatus,
		nullString(o.CurrentDeliveryID), nullString(o.CancelReason), nullString(o.CancelledBy),
		nullString(o.Requirements), pq.Array(o.RequirementFiles), o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (s *PostgresStore) ListByParticipant(ctx context.Context, userID string, limit int) ([]*ServiceOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*ServiceOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const deliveryColumns = `id, order_id, number, message, files, is_revision,
	auto_accept_at, status, revision_note, created_at, updated_at`

func (s *PostgresStore) CreateDelivery(ctx context.Context, d *OrderDelivery) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_deliveries (`+deliveryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		d.ID, d.OrderID, d.Number, nullString(d.Message), pq.Array(d.Files), d.IsRevision,
		d.AutoAcceptAt, d.Status, nullString(d.RevisionNote), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (*OrderDelivery, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM order_deliveries WHERE id = $1`, id)
	return scanDelivery(row)
}

func (s *PostgresStore) UpdateDelivery(ctx context.Context, d *OrderDelivery) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE order_deliveries SET status = $2, revision_note = $3, updated_at = $4
		WHERE id = $1`,
		d.ID, d.Status, nullString(d.RevisionNote), d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteDelivery(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM order_deliveries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

func (s *PostgresStore) ListDeliveries(ctx context.Context, orderID string) ([]*OrderDelivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM order_deliveries
		WHERE order_id = $1 ORDER BY number ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

func (s *PostgresStore) ListAutoAcceptDue(ctx context.Context, before time.Time, limit int) ([]*OrderDelivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM order_deliveries
		WHERE status = $1 AND auto_accept_at < $2
		ORDER BY auto_accept_at ASC
		LIMIT $3`, DeliveryPending, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

func collectDeliveries(rows *sql.Rows) ([]*OrderDelivery, error) {
	var out []*OrderDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*ServiceOrder, error) {
	var (
		o                 ServiceOrder
		extras            []byte
		started, delivered, completed, cancelled sql.NullTime
		currentDelivery, cancelReason, cancelledBy, requirements sql.NullString
		files pq.StringArray
	)
	err := row.Scan(
		&o.ID, &o.ListingID, &o.BuyerID, &o.SellerID,
		&o.PackageName, &o.PackagePriceCents, &o.Quantity, &extras,
		&o.SubtotalCents, &o.ServiceFeeCents, &o.TotalCents, &o.Currency,
		&o.DeliveryDays, &o.OriginalDueAt, &o.DueAt,
		&started, &delivered, &completed, &cancelled,
		&o.RevisionsAllowed, &o.RevisionsUsed, &o.Status, &o.PaymentStatus,
		&o.PaymentIntentID, &currentDelivery, &cancelReason, &cancelledBy,
		&requirements, &files, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	if len(extras) > 0 {
		if err := json.Unmarshal(extras, &o.Extras); err != nil {
			return nil, fmt.Errorf("unmarshal extras: %w", err)
		}
	}
	o.StartedAt = timePtr(started)
	o.DeliveredAt = timePtr(delivered)
	o.CompletedAt = timePtr(completed)
	o.CancelledAt = timePtr(cancelled)
	o.CurrentDeliveryID = currentDelivery.String
	o.CancelReason = cancelReason.String
	o.CancelledBy = cancelledBy.String
	o.Requirements = requirements.String
	o.RequirementFiles = files
	return &o, nil
}

func scanDelivery(row scanner) (*OrderDelivery, error) {
	var (
		d       OrderDelivery
		message sql.NullString
		note    sql.NullString
		files   pq.StringArray
	)
	err := row.Scan(
		&d.ID, &d.OrderID, &d.Number, &message, &files, &d.IsRevision,
		&d.AutoAcceptAt, &d.Status, &note, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan delivery: %w", err)
	}
	d.Message = message.String
	d.RevisionNote = note.String
	d.Files = files
	return &d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
