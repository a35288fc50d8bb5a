package ingress

import (
	"github.com/migadu/tern/db"
	"github.com/migadu/tern/server"
	"github.com/migadu/tern/server/idgen"
	"github.com/migadu/tern/server/relayqueue"
)

// Forward target kinds as stored in alias chains and dispatch units.
const (
	KindMailbox = "mailbox"
	KindRelay   = "relay"
	KindHTTP    = "http"
	KindMail    = "mail"
)

// MailboxTarget is one local delivery decided during RCPT: the account that
// will receive the message and the envelope recipient that resolved to it.
type MailboxTarget struct {
	Account   *db.Account
	Recipient string
}

// Transaction accumulates the decisions of one message attempt between MAIL
// and the end of DATA. It is mutated by exactly one session goroutine and
// discarded after fan-out; only its derived records outlive it.
//
// Mailbox targets are keyed by account id and forward targets by destination
// value. The first resolution wins: a message addressed to two aliases of the
// same account is still delivered once, and two chain entries naming the same
// relay collapse into one dispatch target. Insertion order is preserved for
// fan-out.
type Transaction struct {
	ID                string
	Sender            server.Address
	TransmissionLabel string

	recipients     map[string]struct{}
	recipientOrder []string

	mailboxTargets map[int64]MailboxTarget
	mailboxOrder   []int64

	forwardTargets map[string]relayqueue.Target
	forwardOrder   []string
}

func NewTransaction(sender server.Address, transmissionLabel string) *Transaction {
	return &Transaction{
		ID:                idgen.New(),
		Sender:            sender,
		TransmissionLabel: transmissionLabel,
		recipients:        make(map[string]struct{}),
		mailboxTargets:    make(map[int64]MailboxTarget),
		forwardTargets:    make(map[string]relayqueue.Target),
	}
}

// AddRecipient records a normalized envelope recipient. Returns false when
// the recipient was already present, which callers treat as an idempotent
// accept rather than an error.
func (t *Transaction) AddRecipient(address string) bool {
	if _, ok := t.recipients[address]; ok {
		return false
	}
	t.recipients[address] = struct{}{}
	t.recipientOrder = append(t.recipientOrder, address)
	return true
}

// RemoveRecipient withdraws a recipient recorded by AddRecipient. Called when
// resolution rejects the address after the duplicate check admitted it, so a
// re-issued RCPT is resolved again instead of idempotently accepted.
func (t *Transaction) RemoveRecipient(address string) {
	if _, ok := t.recipients[address]; !ok {
		return
	}
	delete(t.recipients, address)
	for i, a := range t.recipientOrder {
		if a == address {
			t.recipientOrder = append(t.recipientOrder[:i], t.recipientOrder[i+1:]...)
			break
		}
	}
}

// Recipients returns the envelope recipients in arrival order.
func (t *Transaction) Recipients() []string {
	out := make([]string, len(t.recipientOrder))
	copy(out, t.recipientOrder)
	return out
}

// AddMailboxTarget records a local delivery for the account. Returns false
// when the account is already a target of this transaction.
func (t *Transaction) AddMailboxTarget(account *db.Account, recipient string) bool {
	if _, ok := t.mailboxTargets[account.ID]; ok {
		return false
	}
	t.mailboxTargets[account.ID] = MailboxTarget{Account: account, Recipient: recipient}
	t.mailboxOrder = append(t.mailboxOrder, account.ID)
	return true
}

// AddForwardTarget records an outbound forward destination. Returns false
// when the destination value is already a target of this transaction.
func (t *Transaction) AddForwardTarget(kind, value, recipient string) bool {
	if _, ok := t.forwardTargets[value]; ok {
		return false
	}
	t.forwardTargets[value] = relayqueue.Target{Kind: kind, Value: value, Recipient: recipient}
	t.forwardOrder = append(t.forwardOrder, value)
	return true
}

// MailboxTargets returns the local delivery targets in resolution order.
func (t *Transaction) MailboxTargets() []MailboxTarget {
	out := make([]MailboxTarget, 0, len(t.mailboxOrder))
	for _, id := range t.mailboxOrder {
		out = append(out, t.mailboxTargets[id])
	}
	return out
}

// ForwardTargets returns the forward targets in resolution order.
func (t *Transaction) ForwardTargets() []relayqueue.Target {
	out := make([]relayqueue.Target, 0, len(t.forwardOrder))
	for _, value := range t.forwardOrder {
		out = append(out, t.forwardTargets[value])
	}
	return out
}

// HasTargets reports whether any RCPT produced a deliverable target. A
// transaction whose every chain entry was skipped still accepts DATA; the
// message is simply dropped after collection.
func (t *Transaction) HasTargets() bool {
	return len(t.mailboxOrder) > 0 || len(t.forwardOrder) > 0
}

// TransmissionLabel describes how the message reached us, in the style mail
// headers use: the protocol greeting variant crossed with transport security.
func TransmissionLabel(esmtp, tls bool) string {
	switch {
	case esmtp && tls:
		return "ESMTPS"
	case esmtp:
		return "ESMTP"
	case tls:
		return "SMTPS"
	default:
		return "SMTP"
	}
}
