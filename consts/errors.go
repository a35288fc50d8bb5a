package consts

import "errors"

var (
	ErrUserNotFound     = errors.New("no such user here")
	ErrDomainNotAllowed = errors.New("domain not allowed for provisioning")

	// SRS reversal failures. All of these make the recipient permanently
	// unroutable; none of them is retryable.
	ErrSRSMalformed   = errors.New("malformed SRS address")
	ErrSRSInvalidHash = errors.New("SRS signature verification failed")
	ErrSRSExpired     = errors.New("SRS timestamp outside validity window")
	ErrSRSEmptyDomain = errors.New("SRS address decodes to empty domain")

	ErrDBUniqueViolation = errors.New("unique violation")
)
