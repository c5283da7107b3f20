// Package access gates pool operations by caller role.
package access

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var ErrUnauthorized = errors.New("access: unauthorized")

type Role string

const (
	RoleRouter         Role = "router"          // Creates requests on behalf of owners
	RoleExecutor       Role = "executor"        // Executes pending requests
	RolePositionEngine Role = "position_engine" // Reserves liquidity and accrues funding
	RoleFeeKeeper      Role = "fee_keeper"      // Withdraws accumulated fees
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleRouter, RoleExecutor, RolePositionEngine, RoleFeeKeeper:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role: %q", s)
	}
}

// Control checks that caller holds role
type Control interface {
	RequireRole(caller common.Address, role Role) error
}

// Table is an in-memory role table
type Table struct {
	mu    sync.RWMutex
	roles map[Role]map[common.Address]struct{}
}

func NewTable() *Table {
	return &Table{roles: make(map[Role]map[common.Address]struct{})}
}

func (t *Table) Grant(role Role, account common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	members, ok := t.roles[role]
	if !ok {
		members = make(map[common.Address]struct{})
		t.roles[role] = members
	}
	members[account] = struct{}{}
}

func (t *Table) Revoke(role Role, account common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.roles[role], account)
}

func (t *Table) Has(role Role, account common.Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.roles[role][account]
	return ok
}

func (t *Table) RequireRole(caller common.Address, role Role) error {
	if !t.Has(role, caller) {
		return fmt.Errorf("%w: %s lacks role %s", ErrUnauthorized, caller.Hex(), role)
	}
	return nil
}

var _ Control = (*Table)(nil)
