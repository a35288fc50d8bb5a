package ingress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/tern/db"
	"github.com/migadu/tern/server"
)

func newTestTransaction(t *testing.T) *Transaction {
	t.Helper()
	sender, err := server.NewAddress("sender@example.org")
	require.NoError(t, err)
	return NewTransaction(sender, "ESMTP")
}

func TestTransactionRecipientDedup(t *testing.T) {
	txn := newTestTransaction(t)

	assert.True(t, txn.AddRecipient("a@example.com"))
	assert.True(t, txn.AddRecipient("b@example.com"))
	assert.False(t, txn.AddRecipient("a@example.com"))

	assert.Equal(t, []string{"a@example.com", "b@example.com"}, txn.Recipients())
}

func TestTransactionMailboxFirstWriterWins(t *testing.T) {
	txn := newTestTransaction(t)
	account := &db.Account{ID: 7, Username: "u7"}

	assert.True(t, txn.AddMailboxTarget(account, "alias-one@example.com"))
	assert.False(t, txn.AddMailboxTarget(account, "alias-two@example.com"))

	targets := txn.MailboxTargets()
	require.Len(t, targets, 1)
	assert.Equal(t, "alias-one@example.com", targets[0].Recipient)
}

func TestTransactionForwardDedupPreservesOrder(t *testing.T) {
	txn := newTestTransaction(t)

	assert.True(t, txn.AddForwardTarget(KindRelay, "relay.example:25", "a@example.com"))
	assert.True(t, txn.AddForwardTarget(KindHTTP, "https://hook.example/in", "a@example.com"))
	assert.False(t, txn.AddForwardTarget(KindMail, "relay.example:25", "b@example.com"))

	targets := txn.ForwardTargets()
	require.Len(t, targets, 2)
	assert.Equal(t, "relay.example:25", targets[0].Value)
	assert.Equal(t, KindRelay, targets[0].Kind, "first writer keeps its kind")
	assert.Equal(t, "https://hook.example/in", targets[1].Value)
}

func TestTransactionHasTargets(t *testing.T) {
	txn := newTestTransaction(t)
	assert.False(t, txn.HasTargets())

	txn.AddForwardTarget(KindMail, "x@elsewhere.example", "a@example.com")
	assert.True(t, txn.HasTargets())
}

func TestTransactionIDsUnique(t *testing.T) {
	a := newTestTransaction(t)
	b := newTestTransaction(t)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestTransmissionLabel(t *testing.T) {
	assert.Equal(t, "ESMTPS", TransmissionLabel(true, true))
	assert.Equal(t, "ESMTP", TransmissionLabel(true, false))
	assert.Equal(t, "SMTPS", TransmissionLabel(false, true))
	assert.Equal(t, "SMTP", TransmissionLabel(false, false))
}
