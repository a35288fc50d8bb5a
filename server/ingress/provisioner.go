package ingress

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"lukechampine.com/blake3"

	"github.com/migadu/tern/config"
	"github.com/migadu/tern/consts"
	"github.com/migadu/tern/db"
	"github.com/migadu/tern/pkg/metrics"
	"github.com/migadu/tern/server"
)

var usernameEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// AccountDraft is a one-shot provisioning request built from an unknown
// recipient. It is consumed by a single Provision call and never reused.
type AccountDraft struct {
	DerivedUsername string
	Address         server.Address
	Quota           *int64
	MaxForwards     *int
	OriginIP        string
}

// ProvisionStore is the database surface the provisioner needs.
type ProvisionStore interface {
	ProvisionAccount(ctx context.Context, req db.ProvisionAccountRequest) (int64, error)
	GetAccountByAddress(ctx context.Context, address string) (*db.Account, error)
}

// Provisioner creates accounts on first delivery to an unknown recipient in
// an allowed domain. Creation is idempotent under concurrency: two front ends
// racing on the same address both end up with the same account.
type Provisioner struct {
	cfg   *config.ProvisioningConfig
	store ProvisionStore
}

func NewProvisioner(cfg *config.ProvisioningConfig, store ProvisionStore) *Provisioner {
	return &Provisioner{cfg: cfg, store: store}
}

// DeriveUsername maps an address to its deterministic internal username:
// dots stripped from the local part, domain appended, hashed and encoded so
// the same address always provisions the same account name.
func DeriveUsername(address server.Address, length int) string {
	localPart := strings.ReplaceAll(address.BaseLocalPart(), ".", "")
	sum := blake3.Sum256([]byte(localPart + "@" + address.ASCIIDomain()))
	encoded := strings.ToLower(usernameEncoding.EncodeToString(sum[:]))
	if length > 0 && length < len(encoded) {
		encoded = encoded[:length]
	}
	return encoded
}

// NewDraft builds the provisioning request for an unknown recipient.
func (p *Provisioner) NewDraft(address server.Address, limits *config.LimitsConfig, originIP string) AccountDraft {
	quota := limits.GetDefaultQuota()
	maxForwards := limits.GetDefaultMaxForwards()
	return AccountDraft{
		DerivedUsername: DeriveUsername(address, p.cfg.GetUsernameHashLength()),
		Address:         address,
		Quota:           &quota,
		MaxForwards:     &maxForwards,
		OriginIP:        originIP,
	}
}

// Provision creates the account for the draft and returns its snapshot.
// Returns consts.ErrUserNotFound when provisioning is disabled and
// consts.ErrDomainNotAllowed when the domain is not in the allow-list; both
// are permanent. A uniqueness conflict means another transaction provisioned
// the address first, in which case the existing account is returned.
func (p *Provisioner) Provision(ctx context.Context, draft AccountDraft) (*db.Account, error) {
	if p == nil || p.cfg == nil || !p.cfg.Enabled {
		return nil, consts.ErrUserNotFound
	}
	if !p.cfg.DomainAllowed(draft.Address.Domain()) {
		return nil, consts.ErrDomainNotAllowed
	}

	hash, err := initialCredential()
	if err != nil {
		return nil, fmt.Errorf("failed to generate initial credential: %w", err)
	}

	// Provisioning must observe its own write, so pin the session to the
	// master for both the insert and the read-back.
	ctx = context.WithValue(ctx, consts.UseMasterDBKey, true)

	_, err = p.store.ProvisionAccount(ctx, db.ProvisionAccountRequest{
		Username:     draft.DerivedUsername,
		Address:      draft.Address.BaseAddress(),
		PasswordHash: hash,
		Quota:        draft.Quota,
		MaxForwards:  draft.MaxForwards,
	})
	if err != nil && !errors.Is(err, consts.ErrDBUniqueViolation) {
		return nil, fmt.Errorf("failed to provision account: %w", err)
	}

	account, err := p.store.GetAccountByAddress(ctx, draft.Address.BaseAddress())
	if err != nil {
		return nil, fmt.Errorf("failed to load provisioned account: %w", err)
	}

	metrics.RecipientResolutions.WithLabelValues("provisioned").Inc()
	return account, nil
}

// initialCredential returns a bcrypt hash of a random secret. A provisioned
// account cannot be logged into until its owner sets a real password.
func initialCredential() (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(secret)), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
