package ingress

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/tern/config"
	"github.com/migadu/tern/consts"
	"github.com/migadu/tern/db"
	"github.com/migadu/tern/server"
)

type mockProvisionStore struct {
	accounts    map[string]*db.Account
	nextID      int64
	provisioned []db.ProvisionAccountRequest
	createErr   error
}

func newMockProvisionStore() *mockProvisionStore {
	return &mockProvisionStore{accounts: make(map[string]*db.Account), nextID: 1}
}

func (m *mockProvisionStore) ProvisionAccount(_ context.Context, req db.ProvisionAccountRequest) (int64, error) {
	if m.createErr != nil {
		return 0, m.createErr
	}
	if _, ok := m.accounts[req.Address]; ok {
		return 0, consts.ErrDBUniqueViolation
	}
	id := m.nextID
	m.nextID++
	m.accounts[req.Address] = &db.Account{
		ID:          id,
		Username:    req.Username,
		Quota:       req.Quota,
		MaxForwards: req.MaxForwards,
		Provisioned: true,
	}
	m.provisioned = append(m.provisioned, req)
	return id, nil
}

func (m *mockProvisionStore) GetAccountByAddress(_ context.Context, address string) (*db.Account, error) {
	account, ok := m.accounts[address]
	if !ok {
		return nil, db.ErrAccountNotFound
	}
	return account, nil
}

func mustAddress(t *testing.T, raw string) server.Address {
	t.Helper()
	addr, err := server.NewAddress(raw)
	require.NoError(t, err)
	return addr
}

func TestDeriveUsernameDeterministic(t *testing.T) {
	addr := mustAddress(t, "First.Last@Example.COM")

	a := DeriveUsername(addr, 16)
	b := DeriveUsername(addr, 16)
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
	assert.Equal(t, strings.ToLower(a), a)
	assert.NotContains(t, a, "=")
}

func TestDeriveUsernameIgnoresDotsAndDetail(t *testing.T) {
	plain := DeriveUsername(mustAddress(t, "firstlast@example.com"), 16)
	dotted := DeriveUsername(mustAddress(t, "first.last@example.com"), 16)
	tagged := DeriveUsername(mustAddress(t, "first.last+tag@example.com"), 16)

	assert.Equal(t, plain, dotted)
	assert.Equal(t, plain, tagged)

	other := DeriveUsername(mustAddress(t, "firstlast@other.example"), 16)
	assert.NotEqual(t, plain, other)
}

func testProvisioningConfig(domains ...string) *config.ProvisioningConfig {
	return &config.ProvisioningConfig{
		Enabled:            true,
		AllowedDomains:     domains,
		UsernameHashLength: 16,
	}
}

func TestProvisionCreatesAccount(t *testing.T) {
	store := newMockProvisionStore()
	p := NewProvisioner(testProvisioningConfig("example.com"), store)
	limits := &config.LimitsConfig{DefaultQuota: 1 << 20, DefaultMaxForwards: 10}

	addr := mustAddress(t, "newuser@example.com")
	account, err := p.Provision(context.Background(), p.NewDraft(addr, limits, "10.0.0.1"))
	require.NoError(t, err)
	assert.True(t, account.Provisioned)
	require.Len(t, store.provisioned, 1)

	req := store.provisioned[0]
	assert.Equal(t, DeriveUsername(addr, 16), req.Username)
	assert.Equal(t, "newuser@example.com", req.Address)
	assert.NotEmpty(t, req.PasswordHash)
	require.NotNil(t, req.Quota)
	assert.Equal(t, int64(1<<20), *req.Quota)
}

func TestProvisionDisabled(t *testing.T) {
	cfg := testProvisioningConfig("example.com")
	cfg.Enabled = false
	p := NewProvisioner(cfg, newMockProvisionStore())
	limits := &config.LimitsConfig{}

	addr := mustAddress(t, "nobody@example.com")
	_, err := p.Provision(context.Background(), p.NewDraft(addr, limits, ""))
	assert.ErrorIs(t, err, consts.ErrUserNotFound)
}

func TestProvisionDomainAllowList(t *testing.T) {
	store := newMockProvisionStore()
	p := NewProvisioner(testProvisioningConfig("example.com"), store)
	limits := &config.LimitsConfig{}

	addr := mustAddress(t, "user@forbidden.example")
	_, err := p.Provision(context.Background(), p.NewDraft(addr, limits, ""))
	assert.ErrorIs(t, err, consts.ErrDomainNotAllowed)
	assert.Empty(t, store.provisioned)

	// A wildcard entry admits any domain.
	p = NewProvisioner(testProvisioningConfig("*"), store)
	_, err = p.Provision(context.Background(), p.NewDraft(addr, limits, ""))
	assert.NoError(t, err)
}

func TestProvisionRaceReturnsExistingAccount(t *testing.T) {
	store := newMockProvisionStore()
	p := NewProvisioner(testProvisioningConfig("example.com"), store)
	limits := &config.LimitsConfig{}

	addr := mustAddress(t, "raced@example.com")
	first, err := p.Provision(context.Background(), p.NewDraft(addr, limits, ""))
	require.NoError(t, err)

	// Second provision hits the uniqueness constraint and reads back the
	// account the winner created.
	second, err := p.Provision(context.Background(), p.NewDraft(addr, limits, ""))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.provisioned, 1)
}
