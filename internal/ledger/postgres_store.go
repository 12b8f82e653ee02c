package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/revolve/internal/pagination"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// Constraint names from migrations/00001_ledger.sql, used to tell unique
// violations apart.
const (
	constraintLiveOwner = "idx_credit_tokens_live_owner"
	constraintPurchase  = "uq_installment_plans_purchase"
)

const tokenColumns = `id, owner_id, credit_limit, used_amount, max_installments, interest_rate_bps,
	status, version, expires_at, issued_at, updated_at`

const planColumns = `id, purchase_id, token_id, owner_id, total_installments, installment_amount,
	total_amount, paid_amount, paid_installments, interest_rate_bps, status, next_due_date,
	created_at, updated_at`

const paymentColumns = `id, plan_id, installment_number, amount, due_date, status, paid_at,
	created_at, updated_at`

// PostgresStore implements Store with PostgreSQL. Every state change is a
// guarded conditional UPDATE so concurrent callers never see or produce a
// state that breaks 0 <= used_amount <= credit_limit.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

func (p *PostgresStore) CreateToken(ctx context.Context, token *Token) error {
	defer observeOp("create_token")()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO credit_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		token.ID, token.OwnerID, token.CreditLimit, token.UsedAmount, token.MaxInstallments,
		token.InterestRateBps, string(token.Status), token.Version, token.ExpiresAt,
		token.IssuedAt, token.UpdatedAt,
	)
	if isUniqueViolation(err, constraintLiveOwner) {
		return ErrDuplicateActiveToken
	}
	if err != nil {
		return fmt.Errorf("insert credit token: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetToken(ctx context.Context, id string) (*Token, error) {
	tok, err := scanToken(p.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM credit_tokens WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	return tok, err
}

func (p *PostgresStore) GetLiveTokenByOwner(ctx context.Context, ownerID string) (*Token, error) {
	tok, err := scanToken(p.db.QueryRowContext(ctx, `
		SELECT `+tokenColumns+` FROM credit_tokens
		WHERE owner_id = $1 AND status IN ('active', 'frozen')`, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	return tok, err
}

// ReserveCredit raises used_amount in a single guarded statement. When no
// row matches, a follow-up read reports which guard failed.
func (p *PostgresStore) ReserveCredit(ctx context.Context, tokenID string, amount int64, now time.Time) (*Token, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	defer observeOp("reserve")()

	tok, err := scanToken(p.db.QueryRowContext(ctx, `
		UPDATE credit_tokens SET
			used_amount = used_amount + $2,
			version     = version + 1,
			updated_at  = NOW()
		WHERE id = $1
		  AND status = 'active'
		  AND expires_at > $3
		  AND $2 <= credit_limit - used_amount
		RETURNING `+tokenColumns, tokenID, amount, now))
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reserve credit: %w", err)
	}

	current, err := p.GetToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if current.Status != TokenActive || current.IsExpired(now) {
		return nil, ErrTokenNotActive
	}
	return nil, ErrInsufficientCredit
}

// ReleaseCredit lowers used_amount, clamped at zero. The prior value is read
// under a row lock in the same statement so the released delta is exact.
func (p *PostgresStore) ReleaseCredit(ctx context.Context, tokenID string, amount int64) (*Token, int64, error) {
	if amount <= 0 {
		return nil, 0, ErrInvalidAmount
	}
	defer observeOp("release")()

	var tok Token
	var status string
	var released int64
	err := p.db.QueryRowContext(ctx, `
		WITH prev AS (
			SELECT id AS prev_id, used_amount AS prev_used
			FROM credit_tokens WHERE id = $1 FOR UPDATE
		)
		UPDATE credit_tokens SET
			used_amount = GREATEST(used_amount - $2, 0),
			version     = version + 1,
			updated_at  = NOW()
		FROM prev
		WHERE id = prev.prev_id
		RETURNING `+tokenColumns+`, prev.prev_used - credit_tokens.used_amount`, tokenID, amount).Scan(
		&tok.ID, &tok.OwnerID, &tok.CreditLimit, &tok.UsedAmount, &tok.MaxInstallments,
		&tok.InterestRateBps, &status, &tok.Version, &tok.ExpiresAt, &tok.IssuedAt, &tok.UpdatedAt,
		&released,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrTokenNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("release credit: %w", err)
	}
	tok.Status = TokenStatus(status)
	return &tok, released, nil
}

func (p *PostgresStore) TransitionToken(ctx context.Context, tokenID string, from, to TokenStatus) (*Token, error) {
	if !from.CanTransition(to) {
		return nil, ErrInvalidTransition
	}
	defer observeOp("transition_token")()

	tok, err := scanToken(p.db.QueryRowContext(ctx, `
		UPDATE credit_tokens SET
			status     = $3,
			version    = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+tokenColumns, tokenID, string(from), string(to)))
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transition token: %w", err)
	}
	if _, err := p.GetToken(ctx, tokenID); err != nil {
		return nil, err
	}
	return nil, ErrInvalidTransition
}

func (p *PostgresStore) ListExpiringTokens(ctx context.Context, now time.Time, limit int) ([]*Token, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tokenColumns+` FROM credit_tokens
		WHERE status IN ('active', 'frozen') AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Token
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tok)
	}
	return result, rows.Err()
}

// ---------------------------------------------------------------------------
// Plans and payments
// ---------------------------------------------------------------------------

func (p *PostgresStore) CreatePlan(ctx context.Context, plan *Plan, payments []*Payment) error {
	defer observeOp("create_plan")()

	if err := ctx.Err(); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO installment_plans (`+planColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		plan.ID, plan.PurchaseID, plan.TokenID, plan.OwnerID, plan.TotalInstallments,
		plan.InstallmentAmount, plan.TotalAmount, plan.PaidAmount, plan.PaidInstallments,
		plan.InterestRateBps, string(plan.Status), nullTime(plan.NextDueDate),
		plan.CreatedAt, plan.UpdatedAt,
	)
	if isUniqueViolation(err, constraintPurchase) {
		return ErrDuplicatePurchase
	}
	if isForeignKeyViolation(err) {
		return ErrTokenNotFound
	}
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}

	for _, pay := range payments {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO installment_payments (`+paymentColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			pay.ID, pay.PlanID, pay.InstallmentNumber, pay.Amount, pay.DueDate,
			string(pay.Status), nullTime(pay.PaidAt), pay.CreatedAt, pay.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert payment %d: %w", pay.InstallmentNumber, err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) GetPlan(ctx context.Context, id string) (*Plan, error) {
	plan, err := scanPlan(p.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM installment_plans WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	return plan, err
}

func (p *PostgresStore) GetPlanByPurchase(ctx context.Context, purchaseID string) (*Plan, error) {
	plan, err := scanPlan(p.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM installment_plans WHERE purchase_id = $1`, purchaseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	return plan, err
}

func (p *PostgresStore) ListPlansByToken(ctx context.Context, tokenID string, limit int, after *pagination.Cursor) ([]*Plan, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+planColumns+` FROM installment_plans
			WHERE token_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, tokenID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+planColumns+` FROM installment_plans
			WHERE token_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, tokenID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, plan)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	pay, err := scanPayment(p.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM installment_payments WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) ListPayments(ctx context.Context, planID string) ([]*Payment, error) {
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM installment_plans WHERE id = $1)`, planID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrPlanNotFound
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM installment_payments
		WHERE plan_id = $1
		ORDER BY installment_number ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPayments(rows)
}

// SettlePayment marks a payment paid, folds it into the plan aggregates,
// and releases its amount on the token, all in one transaction. Rows are
// locked plan, then payment, then token, matching ReschedulePending.
// Once the transaction begins it runs to commit or rollback regardless of
// caller cancellation.
func (p *PostgresStore) SettlePayment(ctx context.Context, paymentID string, paidAt time.Time) (*Settlement, error) {
	defer observeOp("settle")()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var planID string
	err = tx.QueryRowContext(ctx,
		`SELECT plan_id FROM installment_payments WHERE id = $1`, paymentID).Scan(&planID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}

	var tokenID string
	err = tx.QueryRowContext(ctx,
		`SELECT token_id FROM installment_plans WHERE id = $1 FOR UPDATE`, planID).Scan(&tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}

	pay, err := scanPayment(tx.QueryRowContext(ctx, `
		UPDATE installment_payments SET
			status     = 'paid',
			paid_at    = $2,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'overdue')
		RETURNING `+paymentColumns, paymentID, paidAt))
	if errors.Is(err, sql.ErrNoRows) {
		var status string
		if err := tx.QueryRowContext(ctx,
			`SELECT status FROM installment_payments WHERE id = $1`, paymentID).Scan(&status); err != nil {
			return nil, err
		}
		if PaymentStatus(status) == PaymentPaid {
			return nil, ErrAlreadyPaid
		}
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("mark payment paid: %w", err)
	}

	plan, err := scanPlan(tx.QueryRowContext(ctx, `
		UPDATE installment_plans SET
			paid_amount       = paid_amount + $2,
			paid_installments = paid_installments + 1,
			status            = CASE WHEN paid_installments + 1 >= total_installments
			                         THEN 'completed' ELSE status END,
			next_due_date     = (SELECT MIN(due_date) FROM installment_payments
			                     WHERE plan_id = $1 AND status IN ('pending', 'overdue')),
			updated_at        = NOW()
		WHERE id = $1
		RETURNING `+planColumns, planID, pay.Amount))
	if err != nil {
		return nil, fmt.Errorf("update plan aggregates: %w", err)
	}

	var used int64
	err = tx.QueryRowContext(ctx,
		`SELECT used_amount FROM credit_tokens WHERE id = $1 FOR UPDATE`, tokenID).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	released := pay.Amount
	if released > used {
		released = used
	}

	tok, err := scanToken(tx.QueryRowContext(ctx, `
		UPDATE credit_tokens SET
			used_amount = used_amount - $2,
			version     = version + 1,
			updated_at  = NOW()
		WHERE id = $1
		RETURNING `+tokenColumns, tokenID, released))
	if err != nil {
		return nil, fmt.Errorf("release token credit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Settlement{Payment: pay, Plan: plan, Token: tok, Released: released}, nil
}

// MarkOverdue flips up to limit pending payments due before the cutoff.
// Rows held by a concurrent settlement are skipped and picked up by the
// next scan, if still pending.
func (p *PostgresStore) MarkOverdue(ctx context.Context, before time.Time, limit int) ([]*OverdueTransition, error) {
	defer observeOp("mark_overdue")()

	rows, err := p.db.QueryContext(ctx, `
		WITH due AS (
			SELECT id FROM installment_payments
			WHERE status = 'pending' AND due_date < $1
			ORDER BY due_date ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE installment_payments p SET
			status     = 'overdue',
			updated_at = NOW()
		FROM due, installment_plans pl
		WHERE p.id = due.id AND pl.id = p.plan_id AND p.status = 'pending'
		RETURNING p.id, p.plan_id, p.installment_number, p.amount, p.due_date, p.status,
		          p.paid_at, p.created_at, p.updated_at, pl.token_id, pl.owner_id`,
		before, limit)
	if err != nil {
		return nil, fmt.Errorf("mark overdue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*OverdueTransition
	for rows.Next() {
		var tokenID, ownerID string
		pay, err := scanPaymentWith(rows, &tokenID, &ownerID)
		if err != nil {
			return nil, err
		}
		result = append(result, &OverdueTransition{Payment: pay, TokenID: tokenID, OwnerID: ownerID})
	}
	return result, rows.Err()
}

func (p *PostgresStore) ReschedulePending(ctx context.Context, planID string, dueDates []time.Time) (*Plan, []*Payment, error) {
	defer observeOp("reschedule")()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ctx = context.WithoutCancel(ctx)

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var locked string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM installment_plans WHERE id = $1 FOR UPDATE`, planID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM installment_payments
		WHERE plan_id = $1 AND status = 'pending'
		ORDER BY installment_number ASC
		FOR UPDATE`, planID)
	if err != nil {
		return nil, nil, err
	}
	pending, err := scanPayments(rows)
	_ = rows.Close()
	if err != nil {
		return nil, nil, err
	}

	if len(pending) == 0 {
		return nil, nil, ErrNothingToReschedule
	}
	if len(dueDates) != len(pending) {
		return nil, nil, ErrCountMismatch
	}
	if err := validateDueDates(dueDates); err != nil {
		return nil, nil, err
	}

	updated := make([]*Payment, 0, len(pending))
	for i, pay := range pending {
		u, err := scanPayment(tx.QueryRowContext(ctx, `
			UPDATE installment_payments SET
				due_date   = $2,
				updated_at = NOW()
			WHERE id = $1 AND status = 'pending'
			RETURNING `+paymentColumns, pay.ID, dueDates[i]))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrInvalidTransition
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reschedule payment %d: %w", pay.InstallmentNumber, err)
		}
		updated = append(updated, u)
	}

	plan, err := scanPlan(tx.QueryRowContext(ctx, `
		UPDATE installment_plans SET
			next_due_date = (SELECT MIN(due_date) FROM installment_payments
			                 WHERE plan_id = $1 AND status IN ('pending', 'overdue')),
			updated_at    = NOW()
		WHERE id = $1
		RETURNING `+planColumns, planID))
	if err != nil {
		return nil, nil, fmt.Errorf("refresh next due date: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return plan, updated, nil
}

func (p *PostgresStore) CountOverdue(ctx context.Context, tokenID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM installment_payments p
		JOIN installment_plans pl ON pl.id = p.plan_id
		WHERE pl.token_id = $1 AND p.status = 'overdue'`, tokenID).Scan(&count)
	return count, err
}

// ---------------------------------------------------------------------------
// Scanning helpers
// ---------------------------------------------------------------------------

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanToken(row scannable) (*Token, error) {
	var tok Token
	var status string
	err := row.Scan(
		&tok.ID, &tok.OwnerID, &tok.CreditLimit, &tok.UsedAmount, &tok.MaxInstallments,
		&tok.InterestRateBps, &status, &tok.Version, &tok.ExpiresAt, &tok.IssuedAt, &tok.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tok.Status = TokenStatus(status)
	return &tok, nil
}

func scanPlan(row scannable) (*Plan, error) {
	var plan Plan
	var status string
	var nextDue sql.NullTime
	err := row.Scan(
		&plan.ID, &plan.PurchaseID, &plan.TokenID, &plan.OwnerID, &plan.TotalInstallments,
		&plan.InstallmentAmount, &plan.TotalAmount, &plan.PaidAmount, &plan.PaidInstallments,
		&plan.InterestRateBps, &status, &nextDue, &plan.CreatedAt, &plan.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	plan.Status = PlanStatus(status)
	if nextDue.Valid {
		t := nextDue.Time
		plan.NextDueDate = &t
	}
	return &plan, nil
}

func scanPayment(row scannable) (*Payment, error) {
	return scanPaymentWith(row)
}

// scanPaymentWith scans payment columns followed by any extra destinations.
func scanPaymentWith(row scannable, extra ...interface{}) (*Payment, error) {
	var pay Payment
	var status string
	var paidAt sql.NullTime
	dest := []interface{}{
		&pay.ID, &pay.PlanID, &pay.InstallmentNumber, &pay.Amount, &pay.DueDate,
		&status, &paidAt, &pay.CreatedAt, &pay.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	pay.Status = PaymentStatus(status)
	if paidAt.Valid {
		t := paidAt.Time
		pay.PaidAt = &t
	}
	return &pay, nil
}

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	var result []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pay)
	}
	return result, rows.Err()
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == constraint
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
