package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/migadu/tern/consts"
)

// Account is the snapshot of an account row used during recipient acceptance.
// Quota and MaxForwards are nil when the account has no per-account override
// and the configured defaults apply.
type Account struct {
	ID          int64
	Username    string
	Disabled    bool
	Quota       *int64
	StorageUsed int64
	MaxForwards *int
	Provisioned bool
}

// HasQuotaFor reports whether the account can take on size more bytes given
// the effective quota. A quota of zero or less means unlimited.
func (a *Account) HasQuotaFor(size int64, defaultQuota int64) bool {
	quota := defaultQuota
	if a.Quota != nil {
		quota = *a.Quota
	}
	if quota <= 0 {
		return true
	}
	return a.StorageUsed+size <= quota
}

// EffectiveMaxForwards returns the per-account forward budget, falling back
// to the configured default.
func (a *Account) EffectiveMaxForwards(defaultMax int) int {
	if a.MaxForwards != nil {
		return *a.MaxForwards
	}
	return defaultMax
}

// GetAccountByAddress looks up the account owning a credential address.
// Returns ErrAccountNotFound when no live account answers for the address.
func (db *Database) GetAccountByAddress(ctx context.Context, address string) (*Account, error) {
	var account Account
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT a.id, a.username, a.disabled, a.quota, a.storage_used, a.max_forwards, a.provisioned
		FROM accounts a
		JOIN credentials c ON a.id = c.account_id
		WHERE LOWER(c.address) = LOWER($1) AND a.deleted_at IS NULL
	`, address).Scan(&account.ID, &account.Username, &account.Disabled,
		&account.Quota, &account.StorageUsed, &account.MaxForwards, &account.Provisioned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to look up account by address: %w", err)
	}
	return &account, nil
}

// GetAccountByID loads an account snapshot by primary key.
func (db *Database) GetAccountByID(ctx context.Context, accountID int64) (*Account, error) {
	var account Account
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT id, username, disabled, quota, storage_used, max_forwards, provisioned
		FROM accounts
		WHERE id = $1 AND deleted_at IS NULL
	`, accountID).Scan(&account.ID, &account.Username, &account.Disabled,
		&account.Quota, &account.StorageUsed, &account.MaxForwards, &account.Provisioned)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to look up account by id: %w", err)
	}
	return &account, nil
}

// ProvisionAccountRequest carries the parameters for creating an account on first delivery.
type ProvisionAccountRequest struct {
	Username     string
	Address      string
	PasswordHash string
	Quota        *int64
	MaxForwards  *int
}

// ProvisionAccount creates an account together with its credential in a single
// transaction. A concurrent provision of the same address surfaces as
// consts.ErrDBUniqueViolation so the caller can re-read instead of failing.
func (db *Database) ProvisionAccount(ctx context.Context, req ProvisionAccountRequest) (int64, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var accountID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO accounts (username, quota, max_forwards, provisioned, created_at)
		VALUES ($1, $2, $3, TRUE, now())
		RETURNING id
	`, req.Username, req.Quota, req.MaxForwards).Scan(&accountID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return 0, consts.ErrDBUniqueViolation
		}
		return 0, fmt.Errorf("failed to create account: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO credentials (account_id, address, password, primary_identity, created_at)
		VALUES ($1, $2, $3, TRUE, now())
	`, accountID, req.Address, req.PasswordHash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return 0, consts.ErrDBUniqueViolation
		}
		return 0, fmt.Errorf("failed to create credential: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return accountID, nil
}
