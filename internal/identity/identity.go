// Package identity holds the tenant and end-user lookup boundaries the
// ingestion pipeline depends on. Real deployments back these with the
// account service; the static implementations cover wiring and tests.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrOwnerNotFound is returned when no tenant matches an inbound delivery.
var ErrOwnerNotFound = errors.New("identity: owner not found")

// User is the resolved end-user profile attached to a conversation.
type User struct {
	ID      string
	OwnerID string
	Phone   string
	Name    string
}

// AgentConfig is a tenant's active reply-engine configuration.
type AgentConfig struct {
	OwnerID      string
	AgentID      string
	SystemPrompt string
	Features     map[string]bool
}

// UserResolver resolves an end-user profile by phone number within a tenant.
type UserResolver interface {
	ResolveByPhone(ctx context.Context, ownerID, phone string) (*User, error)
}

// AgentConfigResolver resolves the active agent configuration for a tenant.
type AgentConfigResolver interface {
	ActiveConfig(ctx context.Context, ownerID string) (*AgentConfig, error)
}

// AccessValidator checks whether a tenant's plan allows processing. An
// inactive tenant is not an error; the caller acknowledges and drops.
type AccessValidator interface {
	HasAccess(ctx context.Context, ownerID string) (bool, error)
}

// OwnerDirectory maps channel-level identifiers onto tenants.
type OwnerDirectory interface {
	OwnerByAccountID(ctx context.Context, accountID string) (string, error)
	OwnerByNumber(ctx context.Context, number string) (string, error)
}

// StaticDirectory is an in-memory OwnerDirectory seeded at construction.
type StaticDirectory struct {
	mu        sync.RWMutex
	byAccount map[string]string
	byNumber  map[string]string
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		byAccount: make(map[string]string),
		byNumber:  make(map[string]string),
	}
}

// RegisterAccount binds a channel account id to a tenant.
func (d *StaticDirectory) RegisterAccount(accountID, ownerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byAccount[strings.TrimSpace(accountID)] = ownerID
}

// RegisterNumber binds a destination number to a tenant.
func (d *StaticDirectory) RegisterNumber(number, ownerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byNumber[normalizeNumber(number)] = ownerID
}

func (d *StaticDirectory) OwnerByAccountID(_ context.Context, accountID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if owner, ok := d.byAccount[strings.TrimSpace(accountID)]; ok {
		return owner, nil
	}
	return "", ErrOwnerNotFound
}

func (d *StaticDirectory) OwnerByNumber(_ context.Context, number string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if owner, ok := d.byNumber[normalizeNumber(number)]; ok {
		return owner, nil
	}
	return "", ErrOwnerNotFound
}

func normalizeNumber(number string) string {
	number = strings.TrimSpace(number)
	number = strings.TrimPrefix(number, "whatsapp:")
	return number
}

// StaticUserResolver returns a minimal profile derived from the phone number
// when no account service is wired.
type StaticUserResolver struct{}

func (StaticUserResolver) ResolveByPhone(_ context.Context, ownerID, phone string) (*User, error) {
	return &User{
		ID:      normalizeNumber(phone),
		OwnerID: ownerID,
		Phone:   normalizeNumber(phone),
	}, nil
}

// StaticAgentConfigResolver returns one fixed configuration per tenant.
type StaticAgentConfigResolver struct {
	Config AgentConfig
}

func (r StaticAgentConfigResolver) ActiveConfig(_ context.Context, ownerID string) (*AgentConfig, error) {
	cfg := r.Config
	cfg.OwnerID = ownerID
	return &cfg, nil
}

// AllowAllValidator grants access to every tenant.
type AllowAllValidator struct{}

func (AllowAllValidator) HasAccess(context.Context, string) (bool, error) {
	return true, nil
}

// DenyListValidator blocks the listed tenants and allows everyone else.
type DenyListValidator struct {
	Blocked map[string]bool
}

func (v DenyListValidator) HasAccess(_ context.Context, ownerID string) (bool, error) {
	return !v.Blocked[ownerID], nil
}
