package db

import "errors"

// Sentinel errors for database operations
var (
	// ErrAccountNotFound indicates that no account answers for an address
	ErrAccountNotFound = errors.New("account not found")

	// ErrAliasNotFound indicates that no alias matches an address, not even a wildcard
	ErrAliasNotFound = errors.New("alias not found")

	// ErrDuplicateAccount indicates that an account with the given username already exists
	ErrDuplicateAccount = errors.New("account already exists")

	// ErrScriptNotFound indicates that an account has no active filter script
	ErrScriptNotFound = errors.New("script not found")
)
