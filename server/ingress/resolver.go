package ingress

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/migadu/tern/config"
	"github.com/migadu/tern/consts"
	"github.com/migadu/tern/db"
	"github.com/migadu/tern/pkg/metrics"
	"github.com/migadu/tern/server"
)

// AccountStore is the database surface the resolver needs.
type AccountStore interface {
	GetAccountByAddress(ctx context.Context, address string) (*db.Account, error)
	GetAccountByID(ctx context.Context, accountID int64) (*db.Account, error)
	GetAliasChain(ctx context.Context, localPart, domain string) (*db.AliasChain, error)
}

// Resolver turns one normalized RCPT address into transaction targets. It is
// shared by all sessions; per-recipient state lives in the Transaction.
type Resolver struct {
	store       AccountStore
	limiter     *server.RateLimiter
	limits      *config.LimitsConfig
	provisioner *Provisioner
}

func NewResolver(store AccountStore, limiter *server.RateLimiter, limits *config.LimitsConfig, provisioner *Provisioner) *Resolver {
	return &Resolver{
		store:       store,
		limiter:     limiter,
		limits:      limits,
		provisioner: provisioner,
	}
}

// Resolve decides the fate of one recipient and records the resulting
// targets into the transaction. A nil return accepts the recipient; a
// non-nil return is an *smtp.SMTPError terminating only this recipient.
func (r *Resolver) Resolve(ctx context.Context, addr server.Address, txn *Transaction, originIP string, logf func(string, ...any)) error {
	recipient := addr.FullAddress()

	account, err := r.store.GetAccountByAddress(ctx, addr.BaseAddress())
	switch {
	case err == nil:
		if rejErr := r.admitMailbox(ctx, account); rejErr != nil {
			return rejErr
		}
		txn.AddMailboxTarget(account, recipient)
		metrics.RecipientResolutions.WithLabelValues("mailbox").Inc()
		return nil
	case errors.Is(err, db.ErrAccountNotFound):
		// fall through to alias lookup
	default:
		logf("recipient lookup failed for %s: %v", recipient, err)
		return tempError("Temporary lookup failure")
	}

	chain, err := r.store.GetAliasChain(ctx, addr.BaseLocalPart(), addr.Domain())
	switch {
	case err == nil:
		return r.resolveChain(ctx, chain, recipient, txn, logf)
	case errors.Is(err, db.ErrAliasNotFound):
		return r.resolveUnknown(ctx, addr, txn, originIP, logf)
	default:
		logf("alias lookup failed for %s: %v", recipient, err)
		return tempError("Temporary lookup failure")
	}
}

// admitMailbox runs the disabled, quota and rate-limit gates for a direct or
// provisioned mailbox. Quota is checked before the rate limit so a full
// mailbox never consumes an admission slot.
func (r *Resolver) admitMailbox(ctx context.Context, account *db.Account) error {
	if account.Disabled {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 2, 1},
			Message:      "Mailbox disabled",
		}
	}
	if !account.HasQuotaFor(1, r.limits.GetDefaultQuota()) {
		return &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 2, 2},
			Message:      "Mailbox full",
		}
	}

	result, err := r.limiter.Admit(ctx, "rcpt", strconv.FormatInt(account.ID, 10))
	if err != nil {
		return tempError("Temporary internal error")
	}
	if !result.Admitted {
		return rateLimitError(result)
	}
	return nil
}

// resolveChain expands an alias chain. The chain is admitted as one unit
// against its owner's forward budget; relay entries ride along without
// consuming it. Mailbox entries that turn out missing, disabled or full are
// skipped rather than failing the recipient.
func (r *Resolver) resolveChain(ctx context.Context, chain *db.AliasChain, recipient string, txn *Transaction, logf func(string, ...any)) error {
	countable := 0
	for _, entry := range chain.Entries {
		if entry.Kind == KindHTTP || entry.Kind == KindMail {
			countable++
		}
	}
	if countable > 0 {
		limit := r.limits.GetDefaultMaxForwards()
		if owner, err := r.store.GetAccountByID(ctx, chain.AccountID); err == nil {
			limit = owner.EffectiveMaxForwards(limit)
		}
		result, err := r.limiter.AdmitWithLimit(ctx, "forward", strconv.FormatInt(chain.AccountID, 10), limit)
		if err != nil {
			return tempError("Temporary internal error")
		}
		if !result.Admitted {
			return rateLimitError(result)
		}
	}

	for _, entry := range chain.Entries {
		switch entry.Kind {
		case KindRelay, KindHTTP, KindMail:
			txn.AddForwardTarget(entry.Kind, entry.Value, recipient)
		case KindMailbox:
			account, err := r.store.GetAccountByAddress(ctx, entry.Value)
			if errors.Is(err, db.ErrAccountNotFound) {
				logf("chain entry %s skipped: no such account", entry.Value)
				continue
			}
			if err != nil {
				logf("chain entry %s lookup failed: %v", entry.Value, err)
				return tempError("Temporary lookup failure")
			}
			if account.Disabled {
				logf("chain entry %s skipped: mailbox disabled", entry.Value)
				continue
			}
			if !account.HasQuotaFor(1, r.limits.GetDefaultQuota()) {
				logf("chain entry %s skipped: mailbox full", entry.Value)
				continue
			}
			txn.AddMailboxTarget(account, recipient)
		default:
			logf("chain entry %s skipped: unknown kind %q", entry.Value, entry.Kind)
		}
	}

	metrics.RecipientResolutions.WithLabelValues("alias_chain").Inc()
	return nil
}

// AdmitRedirect rate-limits a verified bounce-redirect target before it is
// recorded as a forward. The identity is the reversed address itself; there
// is no account to key on.
func (r *Resolver) AdmitRedirect(ctx context.Context, target string) error {
	result, err := r.limiter.Admit(ctx, "forward", target)
	if err != nil {
		return tempError("Temporary internal error")
	}
	if !result.Admitted {
		return rateLimitError(result)
	}
	return nil
}

// resolveUnknown handles an address with no account and no alias. With
// provisioning disabled or the domain outside the allow-list, the recipient
// does not exist; otherwise a fresh account is created and admitted like a
// direct mailbox.
func (r *Resolver) resolveUnknown(ctx context.Context, addr server.Address, txn *Transaction, originIP string, logf func(string, ...any)) error {
	draft := r.provisioner.NewDraft(addr, r.limits, originIP)
	account, err := r.provisioner.Provision(ctx, draft)
	switch {
	case errors.Is(err, consts.ErrUserNotFound), errors.Is(err, consts.ErrDomainNotAllowed):
		metrics.RecipientResolutions.WithLabelValues("unknown").Inc()
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No such user here",
		}
	case err != nil:
		logf("provisioning failed for %s: %v", addr.FullAddress(), err)
		return tempError("Temporary internal error")
	}

	logf("provisioned account %s for %s", account.Username, addr.BaseAddress())
	if rejErr := r.admitMailbox(ctx, account); rejErr != nil {
		return rejErr
	}
	txn.AddMailboxTarget(account, addr.FullAddress())
	return nil
}

func tempError(msg string) *smtp.SMTPError {
	return &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      msg,
	}
}

func rateLimitError(result server.RateLimitResult) *smtp.SMTPError {
	return &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 7, 0},
		Message:      fmt.Sprintf("Rate limit exceeded, retry in %s", result.TTLRemaining.Round(time.Second)),
	}
}
