package ingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/migadu/tern/pkg/metrics"
	"github.com/migadu/tern/server"
	"github.com/migadu/tern/server/delivery"
	"github.com/migadu/tern/server/srs"
)

// LMTPSession is one LMTP connection. go-smtp drives a session from a single
// goroutine, so the transaction state needs no locking; concurrency exists
// only across sessions, which share the resolver, dispatcher and fan-out.
type LMTPSession struct {
	server.Session
	backend   *Backend
	conn      *smtp.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	sender *server.Address
	txn    *Transaction
}

func (s *LMTPSession) senderString() string {
	if s.sender == nil {
		return ""
	}
	return s.sender.FullAddress()
}

func (s *LMTPSession) Mail(from string, opts *smtp.MailOptions) error {
	start := time.Now()
	success := false
	defer func() {
		status := "failure"
		if success {
			status = "success"
		}
		metrics.CommandsTotal.WithLabelValues("lmtp", "MAIL", status).Inc()
		metrics.CommandDuration.WithLabelValues("lmtp", "MAIL").Observe(time.Since(start).Seconds())
	}()

	s.Log("processing MAIL FROM command: %s", from)

	var sender server.Address
	if from != "" {
		addr, err := server.NewAddress(from)
		if err != nil {
			s.Log("invalid from address: %v", err)
			return &smtp.SMTPError{
				Code:         553,
				EnhancedCode: smtp.EnhancedCode{5, 1, 7},
				Message:      "Invalid sender",
			}
		}
		sender = addr
		s.sender = &sender
	} else {
		// Null reverse-path, typical for bounces.
		s.sender = nil
	}

	_, hasTLS := s.conn.TLSConnectionState()
	s.txn = NewTransaction(sender, TransmissionLabel(true, hasTLS))

	success = true
	s.Log("mail from=%s accepted transaction=%s", s.senderString(), s.txn.ID)
	return nil
}

func (s *LMTPSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	start := time.Now()
	var err error
	defer func() {
		status := "success"
		outcome := "accept"
		if err != nil {
			status = "failure"
			outcome = "reject_temporary"
			var smtpErr *smtp.SMTPError
			if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
				outcome = "reject_permanent"
			}
		}
		metrics.CommandsTotal.WithLabelValues("lmtp", "RCPT", status).Inc()
		metrics.CommandDuration.WithLabelValues("lmtp", "RCPT").Observe(time.Since(start).Seconds())
		metrics.RecipientDecisions.WithLabelValues(outcome).Inc()
	}()

	err = s.processRcpt(to)
	return err
}

func (s *LMTPSession) processRcpt(to string) error {
	if s.txn == nil {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands (missing MAIL FROM)",
		}
	}

	s.Log("processing RCPT TO command: %s", to)

	toAddress, err := server.NewAddress(to)
	if err != nil {
		s.Log("invalid to address: %v", err)
		return &smtp.SMTPError{
			Code:         513,
			EnhancedCode: smtp.EnhancedCode{5, 0, 1},
			Message:      "Invalid recipient",
		}
	}
	if toAddress.Detail() != "" {
		s.Log("ignoring address detail for lookup: %s -> %s", toAddress.FullAddress(), toAddress.BaseAddress())
	}

	if !s.txn.AddRecipient(toAddress.FullAddress()) {
		s.Log("duplicate recipient %s, already accepted", toAddress.FullAddress())
		return nil
	}

	// A rejected recipient must not stay in the transaction: only accepted
	// recipients are idempotent on repeat, and only they may appear in the
	// forward completion record.
	if toAddress.IsSRS() {
		if err := s.processSRSRcpt(toAddress); err != nil {
			s.txn.RemoveRecipient(toAddress.FullAddress())
			return err
		}
		return nil
	}

	if err := s.backend.resolver.Resolve(s.ctx, toAddress, s.txn, s.RemoteIP, s.Log); err != nil {
		s.txn.RemoveRecipient(toAddress.FullAddress())
		return err
	}

	// Tag the session with the first resolved mailbox account so later
	// log lines carry the user.
	if s.User == nil {
		if mboxes := s.txn.MailboxTargets(); len(mboxes) > 0 {
			s.User = server.NewUser(toAddress, mboxes[0].Account.ID)
		}
	}

	s.Log("rcpt to=%s accepted", toAddress.FullAddress())
	return nil
}

// processSRSRcpt handles a bounce-redirect recipient. The encoded local part
// is case-repaired, verified and reversed to the original sender; the result
// becomes a forward target without touching the account store. Every
// verification failure is permanent: a bounce address that does not verify
// will never verify.
func (s *LMTPSession) processSRSRcpt(addr server.Address) error {
	localPart := server.RepairSRSCase(addr.LocalPart())

	maxAge, err := s.backend.srsConfig.GetMaxAge()
	if err != nil {
		maxAge = 21 * 24 * time.Hour
	}
	reversed, err := srs.Reverse(localPart, []byte(s.backend.srsConfig.Secret), maxAge, time.Now())
	if err != nil {
		s.Log("SRS reversal failed for %s: %v", addr.FullAddress(), err)
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "Invalid or expired bounce address",
		}
	}

	target := reversed.Address()
	if rejErr := s.backend.resolver.AdmitRedirect(s.ctx, target); rejErr != nil {
		return rejErr
	}

	s.txn.AddForwardTarget("redirect-mail", target, addr.FullAddress())
	metrics.RecipientResolutions.WithLabelValues("srs").Inc()
	s.Log("rcpt to=%s accepted, bounce redirect to %s", addr.FullAddress(), target)
	return nil
}

func (s *LMTPSession) Data(r io.Reader) error {
	start := time.Now()
	success := false
	defer func() {
		status := "failure"
		if success {
			status = "success"
		}
		metrics.CommandsTotal.WithLabelValues("lmtp", "DATA", status).Inc()
		metrics.CommandDuration.WithLabelValues("lmtp", "DATA").Observe(time.Since(start).Seconds())
	}()

	if s.txn == nil || len(s.txn.Recipients()) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands (missing MAIL FROM or RCPT TO)",
		}
	}
	txn := s.txn

	// Collect buffers the body while the forward dispatcher, when there are
	// forward targets, spools the same stream to the queue. Either side
	// failing aborts both before anything becomes visible downstream.
	forwards := txn.ForwardTargets()
	var queueID string
	var consume func(io.Reader) error
	if len(forwards) > 0 {
		consume = func(pr io.Reader) error {
			id, derr := s.backend.dispatcher.Dispatch(s.ctx, txn.ID, s.senderString(), txn.Recipients(), forwards, pr)
			if derr != nil {
				return derr
			}
			queueID = id
			return nil
		}
	}

	body, err := CollectWith(s.ctx, r, s.backend.maxMessageSize, consume)
	if err != nil {
		if errors.Is(err, ErrMessageTooLarge) {
			s.Log("message exceeds limit of %d bytes", s.backend.maxMessageSize)
			return &smtp.SMTPError{
				Code:         552,
				EnhancedCode: smtp.EnhancedCode{5, 3, 4},
				Message:      fmt.Sprintf("message size exceeds maximum allowed size of %d bytes", s.backend.maxMessageSize),
			}
		}
		s.Log("forward dispatch or message read failed: %v", err)
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary delivery failure, try again later",
		}
	}

	metrics.MessageSizeBytes.WithLabelValues("lmtp").Observe(float64(len(body)))
	s.Log("message data read successfully (%d bytes)", len(body))
	if queueID != "" {
		s.Log("forward dispatch queued id=%s targets=%d", queueID, len(forwards))
	}

	mailboxes := txn.MailboxTargets()
	if len(mailboxes) > 0 {
		targets := make([]delivery.Target, 0, len(mailboxes))
		for _, mt := range mailboxes {
			targets = append(targets, delivery.Target{Account: mt.Account, Recipient: mt.Recipient})
		}
		meta := delivery.TransportMeta{
			OriginIP:          s.RemoteIP,
			Hostname:          s.HostName,
			TransmissionLabel: txn.TransmissionLabel,
			Timestamp:         time.Now(),
		}
		if err := s.backend.fanout.Deliver(s.ctx, body, s.senderString(), targets, meta); err != nil {
			if errors.Is(err, delivery.ErrPolicyDenied) {
				s.Log("transaction %s rejected by policy", txn.ID)
				return &smtp.SMTPError{
					Code:         550,
					EnhancedCode: smtp.EnhancedCode{5, 7, 1},
					Message:      "Message rejected by policy",
				}
			}
			s.Log("delivery failed for transaction %s: %v", txn.ID, err)
			return &smtp.SMTPError{
				Code:         451,
				EnhancedCode: smtp.EnhancedCode{4, 3, 0},
				Message:      "Temporary delivery failure, try again later",
			}
		}
	}

	s.txn = nil
	success = true
	s.Log("transaction %s accepted: %d mailbox, %d forward targets", txn.ID, len(mailboxes), len(forwards))
	return nil
}

func (s *LMTPSession) Reset() {
	start := time.Now()
	defer func() {
		metrics.CommandsTotal.WithLabelValues("lmtp", "RSET", "success").Inc()
		metrics.CommandDuration.WithLabelValues("lmtp", "RSET").Observe(time.Since(start).Seconds())
	}()

	s.sender = nil
	s.txn = nil

	s.Log("session reset")
}

func (s *LMTPSession) Logout() error {
	if s.conn != nil && s.conn.Conn() != nil {
		s.Log("session logout requested")
	} else {
		s.Log("client dropped connection")
	}

	metrics.ConnectionDuration.WithLabelValues("lmtp").Observe(time.Since(s.startTime).Seconds())
	metrics.ConnectionsCurrent.WithLabelValues("lmtp").Dec()

	activeCount := s.backend.activeConnections.Add(-1)

	if s.cancel != nil {
		s.cancel()
	}

	s.Log("session logout completed (connections: active=%d)", activeCount)
	return &smtp.SMTPError{
		Code:         221,
		EnhancedCode: smtp.EnhancedCode{2, 0, 0},
		Message:      "Closing transmission channel",
	}
}
