// Package delivery drives the content filter once per resolved mailbox at
// end-of-DATA, reusing a single message parse across the whole fan-out.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-message"
	"github.com/migadu/tern/db"
	"github.com/migadu/tern/helpers"
	"github.com/migadu/tern/pkg/metrics"
)

// ErrPolicyDenied means the filter refused the message outright. The whole
// transaction gets a permanent rejection; any other fan-out error is
// reported as temporary.
var ErrPolicyDenied = errors.New("message refused by policy")

// ParsedMessage is the write-once parse of one buffered message. The first
// engine pass produces it; every later pass in the same transaction reuses it.
type ParsedMessage struct {
	Raw           []byte
	Headers       message.Header
	PlaintextBody string
	ContentHash   string
	Size          int64
}

// Parse reads a buffered RFC 5322 message once: headers, the plaintext body
// used by filter scripts, and the content hash.
func Parse(raw []byte) (*ParsedMessage, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid RFC822 message: %w", err)
	}

	plaintextBody, err := helpers.ExtractPlaintextBody(entity)
	if err != nil || plaintextBody == nil {
		empty := ""
		plaintextBody = &empty
	}

	return &ParsedMessage{
		Raw:           raw,
		Headers:       entity.Header,
		PlaintextBody: *plaintextBody,
		ContentHash:   helpers.HashContent(raw),
		Size:          int64(len(raw)),
	}, nil
}

// TransportMeta is the transport context handed to the filter engine with
// every delivery.
type TransportMeta struct {
	OriginIP          string
	Hostname          string
	TransmissionLabel string
	Timestamp         time.Time
}

// Request is one filter engine invocation for one account. Parsed is nil on
// the first invocation of a transaction; the engine parses Raw and returns
// the result for reuse.
type Request struct {
	Raw       []byte
	Parsed    *ParsedMessage
	Account   *db.Account
	Sender    string
	Recipient string
	Meta      TransportMeta
}

// Result reports what the filter engine did with one message for one account.
// Rejected means the message must be refused; Discarded means the filter
// dropped it silently, which still counts as a successful delivery.
type Result struct {
	Parsed    *ParsedMessage
	Rejected  bool
	Reason    string
	Discarded bool
	Mailbox   string
}

// FilterEngine is the content-filtering and delivery collaborator invoked
// once per mailbox target.
type FilterEngine interface {
	Deliver(ctx context.Context, req *Request) (*Result, error)
}

// Logger interface for logging delivery operations.
type Logger interface {
	Log(format string, args ...any)
}

// Target is one resolved mailbox destination of a transaction.
type Target struct {
	Account   *db.Account
	Recipient string
}

// Fanout delivers a buffered message to every mailbox target of a transaction.
type Fanout struct {
	Engine FilterEngine
	Logger Logger
}

// Deliver runs targets sequentially, on purpose: the first engine pass
// returns a reusable parse that every later target consumes instead of
// re-reading the message. Deliveries are idempotent downstream, so an error
// partway through fails the whole transaction without rolling back the
// targets already delivered. A policy rejection is returned as
// ErrPolicyDenied; any other engine error is returned as-is for the caller
// to map to a temporary rejection.
func (f *Fanout) Deliver(ctx context.Context, raw []byte, sender string, targets []Target, meta TransportMeta) error {
	var parsed *ParsedMessage

	for _, target := range targets {
		if parsed != nil {
			metrics.ParseCacheUse.WithLabelValues("hit").Inc()
		} else {
			metrics.ParseCacheUse.WithLabelValues("miss").Inc()
		}

		result, err := f.Engine.Deliver(ctx, &Request{
			Raw:       raw,
			Parsed:    parsed,
			Account:   target.Account,
			Sender:    sender,
			Recipient: target.Recipient,
			Meta:      meta,
		})
		if err != nil {
			metrics.DeliveriesTotal.WithLabelValues("failure").Inc()
			f.logf("delivery to account %d failed: %v", target.Account.ID, err)
			return fmt.Errorf("delivery to <%s> failed: %w", target.Recipient, err)
		}
		if result.Rejected {
			metrics.DeliveriesTotal.WithLabelValues("drop").Inc()
			f.logf("message for account %d refused by policy: %s", target.Account.ID, result.Reason)
			if result.Reason != "" {
				return fmt.Errorf("%w: %s", ErrPolicyDenied, result.Reason)
			}
			return ErrPolicyDenied
		}

		metrics.DeliveriesTotal.WithLabelValues("success").Inc()
		if result.Discarded {
			f.logf("message for account %d discarded by filter", target.Account.ID)
		}
		if parsed == nil && result.Parsed != nil {
			parsed = result.Parsed
		}
	}

	return nil
}

func (f *Fanout) logf(format string, args ...any) {
	if f.Logger != nil {
		f.Logger.Log(format, args...)
	}
}
