package connectors

import (
	"context"
	"sync"

	"github.com/identigate/identigate/pkg/core"
)

// Memory is an in-process connector backed by a map. It serves development,
// dry runs, and the init command's sample targets; it behaves like a real
// target including NOT_FOUND and ALREADY_EXISTS failures.
type Memory struct {
	name string

	mu       sync.RWMutex
	accounts map[string]*memoryAccount
	groups   map[string]map[string]bool // group -> account ids
}

type memoryAccount struct {
	attrs   map[string]any
	enabled bool
}

// NewMemory creates an empty in-memory connector for the given target name.
func NewMemory(name string) *Memory {
	return &Memory{
		name:     name,
		accounts: make(map[string]*memoryAccount),
		groups:   make(map[string]map[string]bool),
	}
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) TestConnection(ctx context.Context) error { return ctx.Err() }

func (m *Memory) CreateAccount(ctx context.Context, accountID string, attrs map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.accounts[accountID]; exists {
		return nil, core.NewConnectorError("account already exists", nil).
			WithCode(core.ErrCodeAlreadyExists).
			WithTarget(m.name).
			WithResource(accountID)
	}
	m.accounts[accountID] = &memoryAccount{attrs: cloneAttrs(attrs), enabled: true}
	return cloneAttrs(attrs), nil
}

func (m *Memory) UpdateAccount(ctx context.Context, accountID string, attrs map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	account, err := m.lookup(accountID)
	if err != nil {
		return nil, err
	}
	for name, value := range attrs {
		account.attrs[name] = value
	}
	return cloneAttrs(account.attrs), nil
}

func (m *Memory) DeleteAccount(ctx context.Context, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(accountID); err != nil {
		return err
	}
	delete(m.accounts, accountID)
	for _, members := range m.groups {
		delete(members, accountID)
	}
	return nil
}

func (m *Memory) GetAccount(ctx context.Context, accountID string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, err := m.lookup(accountID)
	if err != nil {
		return nil, err
	}
	return cloneAttrs(account.attrs), nil
}

func (m *Memory) ListAccounts(ctx context.Context) ([]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]map[string]any, 0, len(m.accounts))
	for _, account := range m.accounts {
		out = append(out, cloneAttrs(account.attrs))
	}
	return out, nil
}

func (m *Memory) EnableAccount(ctx context.Context, accountID string) error {
	return m.setEnabled(ctx, accountID, true)
}

func (m *Memory) DisableAccount(ctx context.Context, accountID string) error {
	return m.setEnabled(ctx, accountID, false)
}

func (m *Memory) AddToGroup(ctx context.Context, accountID, group string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(accountID); err != nil {
		return err
	}
	members, ok := m.groups[group]
	if !ok {
		members = make(map[string]bool)
		m.groups[group] = members
	}
	members[accountID] = true
	return nil
}

func (m *Memory) RemoveFromGroup(ctx context.Context, accountID, group string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if members, ok := m.groups[group]; ok {
		delete(members, accountID)
	}
	return nil
}

// Enabled reports the account's enabled flag. Test helper surface.
func (m *Memory) Enabled(accountID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, err := m.lookup(accountID)
	if err != nil {
		return false, err
	}
	return account.enabled, nil
}

// Groups returns the groups an account belongs to. Test helper surface.
func (m *Memory) Groups(accountID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for group, members := range m.groups {
		if members[accountID] {
			out = append(out, group)
		}
	}
	return out
}

func (m *Memory) setEnabled(ctx context.Context, accountID string, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	account, err := m.lookup(accountID)
	if err != nil {
		return err
	}
	account.enabled = enabled
	return nil
}

// lookup must be called with the mutex held.
func (m *Memory) lookup(accountID string) (*memoryAccount, error) {
	account, ok := m.accounts[accountID]
	if !ok {
		return nil, core.NewConnectorError("account not found", nil).
			WithCode(core.ErrCodeNotFound).
			WithTarget(m.name).
			WithResource(accountID)
	}
	return account, nil
}

func cloneAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for name, value := range attrs {
		out[name] = value
	}
	return out
}
