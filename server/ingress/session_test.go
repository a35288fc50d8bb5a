package ingress

import (
	"context"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/tern/config"
	"github.com/migadu/tern/db"
	"github.com/migadu/tern/server"
)

func newTestSession(t *testing.T, store *mockAccountStore) *LMTPSession {
	t.Helper()
	backend := &Backend{
		resolver:  testResolver(store, nil, nil),
		srsConfig: &config.SRSConfig{Secret: "session-test-secret"},
	}
	return &LMTPSession{
		Session: server.Session{Id: "s1", RemoteIP: "192.0.2.7", HostName: "mx.example.com", Protocol: "LMTP"},
		backend: backend,
		ctx:     context.Background(),
		txn:     NewTransaction(mustAddress(t, "sender@example.org"), "LMTP"),
	}
}

func TestProcessRcptAcceptedDuplicateIsIdempotent(t *testing.T) {
	store := newMockAccountStore()
	store.addAccount("alice@example.com", &db.Account{ID: 1, Username: "alice"})
	s := newTestSession(t, store)

	require.NoError(t, s.processRcpt("alice@example.com"))
	require.NoError(t, s.processRcpt("alice@example.com"))

	assert.Equal(t, []string{"alice@example.com"}, s.txn.Recipients())
	assert.Len(t, s.txn.MailboxTargets(), 1)
}

func TestProcessRcptRejectionIsNotSticky(t *testing.T) {
	quota := int64(100)
	store := newMockAccountStore()
	store.addAccount("full@example.com", &db.Account{
		ID: 2, Username: "full", Quota: &quota, StorageUsed: 200,
	})
	s := newTestSession(t, store)

	var smtpErr *smtp.SMTPError
	err := s.processRcpt("full@example.com")
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 552, smtpErr.Code)

	// The same RCPT again must be rejected again, not turned into an
	// accept by the duplicate check.
	err = s.processRcpt("full@example.com")
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 552, smtpErr.Code)

	assert.Empty(t, s.txn.Recipients())
	assert.Empty(t, s.txn.MailboxTargets())
}

func TestProcessRcptUnknownRecipientNotRetained(t *testing.T) {
	s := newTestSession(t, newMockAccountStore())

	var smtpErr *smtp.SMTPError
	err := s.processRcpt("nobody@example.com")
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 550, smtpErr.Code)

	assert.Empty(t, s.txn.Recipients())
}

func TestProcessRcptInvalidBounceRedirectNotRetained(t *testing.T) {
	s := newTestSession(t, newMockAccountStore())

	// Well-formed SRS local part with a forged signature.
	var smtpErr *smtp.SMTPError
	err := s.processRcpt("SRS0=0000=AA=example.com=orig@mx.example.com")
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 550, smtpErr.Code)

	assert.Empty(t, s.txn.Recipients())
	assert.Empty(t, s.txn.ForwardTargets())

	// A rejection must also not make the address a silent duplicate.
	err = s.processRcpt("SRS0=0000=AA=example.com=orig@mx.example.com")
	require.ErrorAs(t, err, &smtpErr)
}

func TestProcessRcptRequiresMailFrom(t *testing.T) {
	s := newTestSession(t, newMockAccountStore())
	s.txn = nil

	var smtpErr *smtp.SMTPError
	err := s.processRcpt("alice@example.com")
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 503, smtpErr.Code)
}
