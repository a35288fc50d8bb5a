package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetActiveScript returns the body of the account's active filter script.
// Returns ErrScriptNotFound when the account has no active script, in which
// case the configured default script applies.
func (db *Database) GetActiveScript(ctx context.Context, accountID int64) (string, error) {
	var script string
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT script
		FROM sieve_scripts
		WHERE account_id = $1 AND active
	`, accountID).Scan(&script)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrScriptNotFound
		}
		return "", fmt.Errorf("failed to load active script: %w", err)
	}
	return script, nil
}
