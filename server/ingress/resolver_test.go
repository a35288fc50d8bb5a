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

type mockAccountStore struct {
	accounts map[string]*db.Account
	byID     map[int64]*db.Account
	chains   map[string]*db.AliasChain
}

func newMockAccountStore() *mockAccountStore {
	return &mockAccountStore{
		accounts: make(map[string]*db.Account),
		byID:     make(map[int64]*db.Account),
		chains:   make(map[string]*db.AliasChain),
	}
}

func (m *mockAccountStore) addAccount(address string, account *db.Account) {
	m.accounts[address] = account
	m.byID[account.ID] = account
}

func (m *mockAccountStore) GetAccountByAddress(_ context.Context, address string) (*db.Account, error) {
	account, ok := m.accounts[address]
	if !ok {
		return nil, db.ErrAccountNotFound
	}
	return account, nil
}

func (m *mockAccountStore) GetAccountByID(_ context.Context, accountID int64) (*db.Account, error) {
	account, ok := m.byID[accountID]
	if !ok {
		return nil, db.ErrAccountNotFound
	}
	return account, nil
}

func (m *mockAccountStore) GetAliasChain(_ context.Context, localPart, domain string) (*db.AliasChain, error) {
	if chain, ok := m.chains[localPart+"@"+domain]; ok {
		return chain, nil
	}
	if chain, ok := m.chains["*@"+domain]; ok {
		return chain, nil
	}
	return nil, db.ErrAliasNotFound
}

func testResolver(store *mockAccountStore, limits *config.LimitsConfig, provisioning *config.ProvisioningConfig) *Resolver {
	if limits == nil {
		limits = &config.LimitsConfig{
			DefaultQuota:       1 << 20,
			DefaultMaxForwards: 10,
			Rate: []config.RateLimitEntry{
				{Purpose: "rcpt", Limit: 100, Window: "1h"},
				{Purpose: "forward", Limit: 100, Window: "1h"},
			},
		}
	}
	if provisioning == nil {
		provisioning = &config.ProvisioningConfig{Enabled: false}
	}
	limiter := server.NewRateLimiter(limits, server.NewMemoryCounterStore())
	provisioner := NewProvisioner(provisioning, newMockProvisionStore())
	return NewResolver(store, limiter, limits, provisioner)
}

func discardLog(string, ...any) {}

func requireSMTPCode(t *testing.T, err error, code int) *smtp.SMTPError {
	t.Helper()
	var smtpErr *smtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, code, smtpErr.Code)
	return smtpErr
}

func TestResolveDirectMailbox(t *testing.T) {
	store := newMockAccountStore()
	store.addAccount("user@example.com", &db.Account{ID: 1, Username: "user"})
	r := testResolver(store, nil, nil)
	txn := newTestTransaction(t)

	err := r.Resolve(context.Background(), mustAddress(t, "user@example.com"), txn, "10.0.0.1", discardLog)
	require.NoError(t, err)

	targets := txn.MailboxTargets()
	require.Len(t, targets, 1)
	assert.Equal(t, int64(1), targets[0].Account.ID)
	assert.Equal(t, "user@example.com", targets[0].Recipient)
	assert.Empty(t, txn.ForwardTargets())
}

func TestResolveSubaddressUsesBaseAddress(t *testing.T) {
	store := newMockAccountStore()
	store.addAccount("user@example.com", &db.Account{ID: 1, Username: "user"})
	r := testResolver(store, nil, nil)
	txn := newTestTransaction(t)

	err := r.Resolve(context.Background(), mustAddress(t, "user+folder@example.com"), txn, "", discardLog)
	require.NoError(t, err)

	targets := txn.MailboxTargets()
	require.Len(t, targets, 1)
	assert.Equal(t, "user+folder@example.com", targets[0].Recipient, "original recipient kept for delivery")
}

func TestResolveDisabledMailbox(t *testing.T) {
	store := newMockAccountStore()
	store.addAccount("user@example.com", &db.Account{ID: 1, Disabled: true})
	r := testResolver(store, nil, nil)

	err := r.Resolve(context.Background(), mustAddress(t, "user@example.com"), newTestTransaction(t), "", discardLog)
	requireSMTPCode(t, err, 550)
}

func TestResolveOverQuotaMailbox(t *testing.T) {
	store := newMockAccountStore()
	store.addAccount("user@example.com", &db.Account{ID: 1, StorageUsed: 1 << 20})
	r := testResolver(store, nil, nil)

	err := r.Resolve(context.Background(), mustAddress(t, "user@example.com"), newTestTransaction(t), "", discardLog)
	requireSMTPCode(t, err, 552)
}

func TestResolveRateLimited(t *testing.T) {
	store := newMockAccountStore()
	store.addAccount("user@example.com", &db.Account{ID: 1})
	limits := &config.LimitsConfig{
		DefaultQuota: 1 << 20,
		Rate:         []config.RateLimitEntry{{Purpose: "rcpt", Limit: 2, Window: "1h"}},
	}
	r := testResolver(store, limits, nil)
	addr := mustAddress(t, "user@example.com")

	for i := 0; i < 2; i++ {
		err := r.Resolve(context.Background(), addr, newTestTransaction(t), "", discardLog)
		require.NoError(t, err, "message %d", i+1)
	}

	err := r.Resolve(context.Background(), addr, newTestTransaction(t), "", discardLog)
	smtpErr := requireSMTPCode(t, err, 451)
	assert.Equal(t, smtp.EnhancedCode{4, 7, 0}, smtpErr.EnhancedCode)
}

func TestResolveAliasChain(t *testing.T) {
	store := newMockAccountStore()
	store.addAccount("boss@example.com", &db.Account{ID: 2, Username: "boss"})
	store.addAccount("gone@example.com", &db.Account{ID: 3, Disabled: true})
	store.byID[9] = &db.Account{ID: 9, Username: "owner"}
	store.chains["team@example.com"] = &db.AliasChain{
		AliasID:   1,
		AccountID: 9,
		Address:   "team@example.com",
		Entries: []db.AliasEntry{
			{Kind: KindMailbox, Value: "boss@example.com", Position: 0},
			{Kind: KindRelay, Value: "relay.example:25", Position: 1},
			{Kind: KindMailbox, Value: "gone@example.com", Position: 2},
			{Kind: KindMailbox, Value: "missing@example.com", Position: 3},
			{Kind: KindHTTP, Value: "https://hook.example/in", Position: 4},
		},
	}
	r := testResolver(store, nil, nil)
	txn := newTestTransaction(t)

	err := r.Resolve(context.Background(), mustAddress(t, "team@example.com"), txn, "", discardLog)
	require.NoError(t, err, "skipped entries must not fail the recipient")

	mailboxes := txn.MailboxTargets()
	require.Len(t, mailboxes, 1)
	assert.Equal(t, int64(2), mailboxes[0].Account.ID)
	assert.Equal(t, "team@example.com", mailboxes[0].Recipient)

	forwards := txn.ForwardTargets()
	require.Len(t, forwards, 2)
	assert.Equal(t, "relay.example:25", forwards[0].Value)
	assert.Equal(t, "https://hook.example/in", forwards[1].Value)
}

func TestResolveWildcardAlias(t *testing.T) {
	store := newMockAccountStore()
	store.addAccount("catchall@example.com", &db.Account{ID: 4})
	store.chains["*@example.com"] = &db.AliasChain{
		AliasID:   2,
		AccountID: 4,
		Address:   "*@example.com",
		Entries:   []db.AliasEntry{{Kind: KindMailbox, Value: "catchall@example.com"}},
	}
	r := testResolver(store, nil, nil)
	txn := newTestTransaction(t)

	err := r.Resolve(context.Background(), mustAddress(t, "anything@example.com"), txn, "", discardLog)
	require.NoError(t, err)
	require.Len(t, txn.MailboxTargets(), 1)
}

func TestResolveChainForwardBudget(t *testing.T) {
	store := newMockAccountStore()
	budget := 1
	store.byID[9] = &db.Account{ID: 9, MaxForwards: &budget}
	store.chains["list@example.com"] = &db.AliasChain{
		AliasID:   3,
		AccountID: 9,
		Entries:   []db.AliasEntry{{Kind: KindMail, Value: "elsewhere@other.example"}},
	}
	r := testResolver(store, nil, nil)
	addr := mustAddress(t, "list@example.com")

	err := r.Resolve(context.Background(), addr, newTestTransaction(t), "", discardLog)
	require.NoError(t, err)

	err = r.Resolve(context.Background(), addr, newTestTransaction(t), "", discardLog)
	requireSMTPCode(t, err, 451)
}

func TestResolveRelayOnlyChainSkipsBudget(t *testing.T) {
	store := newMockAccountStore()
	budget := 1
	store.byID[9] = &db.Account{ID: 9, MaxForwards: &budget}
	store.chains["relayed@example.com"] = &db.AliasChain{
		AliasID:   4,
		AccountID: 9,
		Entries:   []db.AliasEntry{{Kind: KindRelay, Value: "relay.example:25"}},
	}
	r := testResolver(store, nil, nil)
	addr := mustAddress(t, "relayed@example.com")

	// Relay entries ride outside the forward budget; repeat resolutions
	// stay admitted.
	for i := 0; i < 5; i++ {
		err := r.Resolve(context.Background(), addr, newTestTransaction(t), "", discardLog)
		require.NoError(t, err)
	}
}

func TestResolveUnknownWithoutProvisioning(t *testing.T) {
	r := testResolver(newMockAccountStore(), nil, nil)

	err := r.Resolve(context.Background(), mustAddress(t, "ghost@example.com"), newTestTransaction(t), "", discardLog)
	smtpErr := requireSMTPCode(t, err, 550)
	assert.Equal(t, smtp.EnhancedCode{5, 1, 1}, smtpErr.EnhancedCode)
}

func TestResolveUnknownProvisions(t *testing.T) {
	store := newMockAccountStore()
	provisioning := &config.ProvisioningConfig{Enabled: true, AllowedDomains: []string{"example.com"}}
	r := testResolver(store, nil, provisioning)
	txn := newTestTransaction(t)

	err := r.Resolve(context.Background(), mustAddress(t, "fresh@example.com"), txn, "10.0.0.1", discardLog)
	require.NoError(t, err)

	targets := txn.MailboxTargets()
	require.Len(t, targets, 1)
	assert.True(t, targets[0].Account.Provisioned)
	assert.Equal(t, "fresh@example.com", targets[0].Recipient)
}

func TestResolveUnknownProvisioningDomainDenied(t *testing.T) {
	provisioning := &config.ProvisioningConfig{Enabled: true, AllowedDomains: []string{"example.com"}}
	r := testResolver(newMockAccountStore(), nil, provisioning)

	err := r.Resolve(context.Background(), mustAddress(t, "someone@outside.example"), newTestTransaction(t), "", discardLog)
	requireSMTPCode(t, err, 550)
}
