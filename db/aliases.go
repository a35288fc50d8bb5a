package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// AliasEntry is one forwarding instruction in an alias chain. Kind is one of
// 'mailbox', 'relay', 'http' or 'mail'; Value holds the local address, relay
// host, endpoint URL or remote address respectively.
type AliasEntry struct {
	Kind     string
	Value    string
	Position int
}

// AliasChain is the full target list of one alias together with the account
// that owns it. Entries are ordered by position.
type AliasChain struct {
	AliasID   int64
	AccountID int64
	Address   string
	Entries   []AliasEntry
}

// GetAliasChain resolves an address to its alias chain. An exact match on the
// full address wins; otherwise a wildcard alias '*@domain' is tried. Returns
// ErrAliasNotFound when neither exists or the alias is disabled.
func (db *Database) GetAliasChain(ctx context.Context, localPart, domain string) (*AliasChain, error) {
	fullAddress := localPart + "@" + domain
	wildcard := "*@" + domain

	var chain AliasChain
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT id, account_id, address
		FROM aliases
		WHERE LOWER(address) IN (LOWER($1), LOWER($2)) AND enabled
		ORDER BY (LOWER(address) = LOWER($1)) DESC
		LIMIT 1
	`, fullAddress, wildcard).Scan(&chain.AliasID, &chain.AccountID, &chain.Address)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAliasNotFound
		}
		return nil, fmt.Errorf("failed to look up alias: %w", err)
	}

	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx, `
		SELECT kind, value, position
		FROM alias_targets
		WHERE alias_id = $1
		ORDER BY position, id
	`, chain.AliasID)
	if err != nil {
		return nil, fmt.Errorf("failed to load alias targets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry AliasEntry
		if err := rows.Scan(&entry.Kind, &entry.Value, &entry.Position); err != nil {
			return nil, fmt.Errorf("failed to scan alias target: %w", err)
		}
		chain.Entries = append(chain.Entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read alias targets: %w", err)
	}

	return &chain, nil
}
