package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"pushpay-service/internal/model"
)

const transactionColumns = `local_reference, network_reference, merchant_serial_number, amount_minor_units, currency,
	local_state, remote_state, flow, idempotency_key, manual_verification, cancel_reason, processed_event_ids,
	created_at, updated_at, last_status_checked_at, version`

const uniqueViolation = "23505"

type TransactionRepository struct {
	pool *pgxpool.Pool
}

func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

func (r *TransactionRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *TransactionRepository) Create(ctx context.Context, tx *model.Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}

	query := `INSERT INTO payment_transactions (` + transactionColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	_, err := r.pool.Exec(ctx, query, args(tx)...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errors.Wrapf(model.ErrDuplicateReference, "reference %s", tx.LocalReference)
	}
	return err
}

func (r *TransactionRepository) Get(ctx context.Context, localReference string) (*model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE local_reference = $1`
	return scanTransaction(r.pool.QueryRow(ctx, query, localReference), localReference)
}

func (r *TransactionRepository) SelectForUpdateByReference(ctx context.Context, tx pgx.Tx, localReference string) (*model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transactions WHERE local_reference = $1 FOR UPDATE`
	return scanTransaction(tx.QueryRow(ctx, query, localReference), localReference)
}

// Update locks the row for the duration of fn and writes the result back
// when fn returns true.
func (r *TransactionRepository) Update(ctx context.Context, localReference string, fn func(tx *model.Transaction) (bool, error)) (*model.Transaction, error) {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	current, err := r.SelectForUpdateByReference(ctx, tx, localReference)
	if err != nil {
		return nil, err
	}

	persist, err := fn(current)
	if err != nil {
		return nil, err
	}
	if !persist {
		return current, nil
	}

	query := `UPDATE payment_transactions
	          SET network_reference = $2, local_state = $3, remote_state = $4, manual_verification = $5,
	              cancel_reason = $6, processed_event_ids = $7, updated_at = $8, last_status_checked_at = $9,
	              version = $10, idempotency_key = $11
	          WHERE local_reference = $1`
	_, err = tx.Exec(ctx, query, current.LocalReference, current.NetworkReference, current.LocalState,
		current.RemoteState, current.ManualVerification, current.CancelReason, processedIDs(current),
		current.UpdatedAt, current.LastStatusCheckedAt, current.Version, current.IdempotencyKey)
	if err != nil {
		return nil, errors.Wrapf(err, "update transaction %s", localReference)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit transaction")
	}
	return current, nil
}

func (r *TransactionRepository) ListStale(ctx context.Context, checkedBefore time.Time, limit int) ([]*model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transactions
	          WHERE local_state NOT IN ('DONE', 'CANCELLED', 'ERROR')
	            AND network_reference <> ''
	            AND COALESCE(last_status_checked_at, created_at) < $1
	          ORDER BY COALESCE(last_status_checked_at, created_at)
	          LIMIT $2`
	rows, err := r.pool.Query(ctx, query, checkedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows, "")
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}

func (r *TransactionRepository) CountOpen(ctx context.Context, merchantSerialNumber string) (int, error) {
	query := `SELECT COUNT(*) FROM payment_transactions
	          WHERE merchant_serial_number = $1 AND local_state NOT IN ('DONE', 'CANCELLED', 'ERROR')`
	var count int
	err := r.pool.QueryRow(ctx, query, merchantSerialNumber).Scan(&count)
	return count, err
}

func args(tx *model.Transaction) []any {
	return []any{tx.LocalReference, tx.NetworkReference, tx.MerchantSerialNumber, tx.AmountMinorUnits, tx.Currency,
		tx.LocalState, tx.RemoteState, tx.Flow, tx.IdempotencyKey, manualVerification(tx), tx.CancelReason,
		processedIDs(tx), tx.CreatedAt, tx.UpdatedAt, tx.LastStatusCheckedAt, tx.Version}
}

func manualVerification(tx *model.Transaction) model.ManualVerification {
	if tx.ManualVerification == "" {
		return model.VerificationNone
	}
	return tx.ManualVerification
}

func processedIDs(tx *model.Transaction) []string {
	ids := make([]string, 0, len(tx.ProcessedEventIDs))
	for id := range tx.ProcessedEventIDs {
		ids = append(ids, id)
	}
	return ids
}

func scanTransaction(row pgx.Row, localReference string) (*model.Transaction, error) {
	var (
		t   model.Transaction
		ids []string
	)
	err := row.Scan(&t.LocalReference, &t.NetworkReference, &t.MerchantSerialNumber, &t.AmountMinorUnits, &t.Currency,
		&t.LocalState, &t.RemoteState, &t.Flow, &t.IdempotencyKey, &t.ManualVerification, &t.CancelReason, &ids,
		&t.CreatedAt, &t.UpdatedAt, &t.LastStatusCheckedAt, &t.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(model.ErrTransactionNotFound, "reference %s", localReference)
	}
	if err != nil {
		return nil, err
	}

	t.ProcessedEventIDs = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		t.ProcessedEventIDs[id] = struct{}{}
	}
	return &t, nil
}
