package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is the production Store backed by Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, order_id, initiator_id, respondent_id, mediator_id,
	type, priority, subject, description, disputed_amount_cents, currency,
	status, awaiting_response_from, response_deadline, response, responded_at,
	evidence_deadline, resolution_deadline,
	resolution_type, resolution_amount_cents, resolution_note,
	resolved_proposal_id, resolved_at, appeals_used, last_appeal_at,
	created_at, updated_at, closed_at`

func (s *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)`,
		d.ID, d.OrderID, d.InitiatorID, d.RespondentID, nullString(d.MediatorID),
		d.Type, d.Priority, d.Subject, d.Description, d.DisputedAmountCents, d.Currency,
		d.Status, nullString(d.AwaitingResponseFrom), nullTime(d.ResponseDeadline), nullString(d.Response), nullTime(d.RespondedAt),
		nullTime(d.EvidenceDeadline), nullTime(d.ResolutionDeadline),
		nullString(string(d.ResolutionType)), d.ResolutionAmountCents, nullString(d.ResolutionNote),
		nullString(d.ResolvedProposalID), nullTime(d.ResolvedAt), d.AppealsUsed, nullTime(d.LastAppealAt),
		d.CreatedAt, d.UpdatedAt, nullTime(d.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (s *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET
			mediator_id = $2, status = $3, awaiting_response_from = $4,
			response_deadline = $5, response = $6, responded_at = $7,
			evidence_deadline = $8, resolution_deadline = $9,
			resolution_type = $10, resolution_amount_cents = $11, resolution_note = $12,
			resolved_proposal_id = $13, resolved_at = $14, appeals_used = $15,
			last_appeal_at = $16, updated_at = $17, closed_at = $18
		WHERE id = $1`,
		d.ID,
		nullString(d.MediatorID), d.Status, nullString(d.AwaitingResponseFrom),
		nullTime(d.ResponseDeadline), nullString(d.Response), nullTime(d.RespondedAt),
		nullTime(d.EvidenceDeadline), nullTime(d.ResolutionDeadline),
		nullString(string(d.ResolutionType)), d.ResolutionAmountCents, nullString(d.ResolutionNote),
		nullString(d.ResolvedProposalID), nullTime(d.ResolvedAt), d.AppealsUsed,
		nullTime(d.LastAppealAt), d.UpdatedAt, nullTime(d.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (s *PostgresStore) GetActiveByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE order_id = $1 AND status NOT IN ('resolved', 'closed')
		LIMIT 1`, orderID)
	return scanDispute(row)
}

func (s *PostgresStore) ListByParticipant(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE initiator_id = $1 OR respondent_id = $1 OR mediator_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list disputes: %w", err)
	}
	defer rows.Close()
	return collectDisputes(rows)
}

func (s *PostgresStore) ListResponseOverdue(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = $1 AND response_deadline < $2
		ORDER BY response_deadline ASC
		LIMIT $3`, StatusResponsePending, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue disputes: %w", err)
	}
	defer rows.Close()
	return collectDisputes(rows)
}

const messageColumns = `id, dispute_id, sender_id, body, private_to_mediator, read_by, created_at`

func (s *PostgresStore) CreateMessage(ctx context.Context, m *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispute_messages (`+messageColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		m.ID, m.DisputeID, m.SenderID, m.Body, m.PrivateToMediator, pq.Array(m.ReadBy), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, disputeID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM dispute_messages
		WHERE dispute_id = $1 ORDER BY created_at ASC`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var (
			m      Message
			readBy pq.StringArray
		)
		if err := rows.Scan(&m.ID, &m.DisputeID, &m.SenderID, &m.Body, &m.PrivateToMediator, &readBy, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ReadBy = readBy
		out = append(out, &m)
	}
	return out, rows.Err()
}

const evidenceColumns = `id, dispute_id, submitter_id, title, description, file_url,
	verified, verified_by, relevance_score, created_at`

func (s *PostgresStore) CreateEvidence(ctx context.Context, e *Evidence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispute_evidence (`+evidenceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.DisputeID, e.SubmitterID, e.Title, nullString(e.Description), nullString(e.FileURL),
		e.Verified, nullString(e.VerifiedBy), e.RelevanceScore, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEvidence(ctx context.Context, id string) (*Evidence, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+evidenceColumns+` FROM dispute_evidence WHERE id = $1`, id)
	return scanEvidence(row)
}

func (s *PostgresStore) UpdateEvidence(ctx context.Context, e *Evidence) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dispute_evidence SET verified = $2, verified_by = $3, relevance_score = $4
		WHERE id = $1`,
		e.ID, e.Verified, nullString(e.VerifiedBy), e.RelevanceScore,
	)
	if err != nil {
		return fmt.Errorf("update evidence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEvidenceNotFound
	}
	return nil
}

func (s *PostgresStore) ListEvidence(ctx context.Context, disputeID string) ([]*Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+evidenceColumns+` FROM dispute_evidence
		WHERE dispute_id = $1 ORDER BY created_at ASC`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()

	var out []*Evidence
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const proposalColumns = `id, dispute_id, proposer_id, type, amount_cents, note,
	status, initiator_accepted, respondent_accepted, recommended_by,
	parent_proposal_id, countered_by_id, expires_at, created_at, updated_at`

func (s *PostgresStore) CreateProposal(ctx context.Context, p *Proposal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispute_proposals (`+proposalColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		p.ID, p.DisputeID, p.ProposerID, p.Type, p.AmountCents, nullString(p.Note),
		p.Status, p.InitiatorAccepted, p.RespondentAccepted, nullString(p.RecommendedBy),
		nullString(p.ParentProposalID), nullString(p.CounteredByID), p.ExpiresAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM dispute_proposals WHERE id = $1`, id)
	return scanProposal(row)
}

func (s *PostgresStore) UpdateProposal(ctx context.Context, p *Proposal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dispute_proposals SET
			status = $2, initiator_accepted = $3, respondent_accepted = $4,
			recommended_by = $5, countered_by_id = $6, updated_at = $7
		WHERE id = $1`,
		p.ID, p.Status, p.InitiatorAccepted, p.RespondentAccepted,
		nullString(p.RecommendedBy), nullString(p.CounteredByID), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update proposal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrProposalNotFound
	}
	return nil
}

func (s *PostgresStore) ListProposals(ctx context.Context, disputeID string) ([]*Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+` FROM dispute_proposals
		WHERE dispute_id = $1 ORDER BY created_at ASC`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()
	return collectProposals(rows)
}

func (s *PostgresStore) GetPendingProposal(ctx context.Context, disputeID string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+proposalColumns+` FROM dispute_proposals
		WHERE dispute_id = $1 AND status = $2
		LIMIT 1`, disputeID, ProposalPending)
	return scanProposal(row)
}

func (s *PostgresStore) ListExpiredProposals(ctx context.Context, before time.Time, limit int) ([]*Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+` FROM dispute_proposals
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at ASC
		LIMIT $3`, ProposalPending, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired proposals: %w", err)
	}
	defer rows.Close()
	return collectProposals(rows)
}

func (s *PostgresStore) AppendActivity(ctx context.Context, a *Activity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispute_activity (id, dispute_id, actor_id, kind, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		a.ID, a.DisputeID, a.ActorID, a.Kind, nullString(a.Detail), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivity(ctx context.Context, disputeID string) ([]*Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dispute_id, actor_id, kind, detail, created_at
		FROM dispute_activity
		WHERE dispute_id = $1 ORDER BY created_at ASC`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []*Activity
	for rows.Next() {
		var (
			a      Activity
			detail sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.DisputeID, &a.ActorID, &a.Kind, &detail, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Detail = detail.String
		out = append(out, &a)
	}
	return out, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(row scanner) (*Dispute, error) {
	var (
		d                Dispute
		mediator         sql.NullString
		awaiting         sql.NullString
		deadline         sql.NullTime
		response         sql.NullString
		respondedAt      sql.NullTime
		evidenceBy       sql.NullTime
		resolveBy        sql.NullTime
		lastAppealAt     sql.NullTime
		resolutionType   sql.NullString
		resolutionNote   sql.NullString
		resolvedProposal sql.NullString
		resolvedAt       sql.NullTime
		closedAt         sql.NullTime
	)
	err := row.Scan(
		&d.ID, &d.OrderID, &d.InitiatorID, &d.RespondentID, &mediator,
		&d.Type, &d.Priority, &d.Subject, &d.Description, &d.DisputedAmountCents, &d.Currency,
		&d.Status, &awaiting, &deadline, &response, &respondedAt,
		&evidenceBy, &resolveBy,
		&resolutionType, &d.ResolutionAmountCents, &resolutionNote,
		&resolvedProposal, &resolvedAt, &d.AppealsUsed, &lastAppealAt,
		&d.CreatedAt, &d.UpdatedAt, &closedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dispute: %w", err)
	}
	d.MediatorID = mediator.String
	d.AwaitingResponseFrom = awaiting.String
	d.ResponseDeadline = timePtr(deadline)
	d.Response = response.String
	d.RespondedAt = timePtr(respondedAt)
	d.EvidenceDeadline = timePtr(evidenceBy)
	d.ResolutionDeadline = timePtr(resolveBy)
	d.LastAppealAt = timePtr(lastAppealAt)
	d.ResolutionType = ResolutionType(resolutionType.String)
	d.ResolutionNote = resolutionNote.String
	d.ResolvedProposalID = resolvedProposal.String
	d.ResolvedAt = timePtr(resolvedAt)
	d.ClosedAt = timePtr(closedAt)
	return &d, nil
}

func scanEvidence(row scanner) (*Evidence, error) {
	var (
		e           Evidence
		description sql.NullString
		fileURL     sql.NullString
		verifiedBy  sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.DisputeID, &e.SubmitterID, &e.Title, &description, &fileURL,
		&e.Verified, &verifiedBy, &e.RelevanceScore, &e.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEvidenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan evidence: %w", err)
	}
	e.Description = description.String
	e.FileURL = fileURL.String
	e.VerifiedBy = verifiedBy.String
	return &e, nil
}

func scanProposal(row scanner) (*Proposal, error) {
	var (
		p           Proposal
		note        sql.NullString
		recommended sql.NullString
		parent      sql.NullString
		countered   sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.DisputeID, &p.ProposerID, &p.Type, &p.AmountCents, &note,
		&p.Status, &p.InitiatorAccepted, &p.RespondentAccepted, &recommended,
		&parent, &countered, &p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProposalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan proposal: %w", err)
	}
	p.Note = note.String
	p.RecommendedBy = recommended.String
	p.ParentProposalID = parent.String
	p.CounteredByID = countered.String
	return &p, nil
}

func collectDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func collectProposals(rows *sql.Rows) ([]*Proposal, error) {
	var out []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
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
