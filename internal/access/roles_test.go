package access_test

import (
	"PoolLedger/internal/access"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestTable_GrantRevoke(t *testing.T) {
	keeper := common.HexToAddress("0x00000000000000000000000000000000000000e1")
	tbl := access.NewTable()

	if err := tbl.RequireRole(keeper, access.RoleExecutor); !errors.Is(err, access.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}

	tbl.Grant(access.RoleExecutor, keeper)
	if err := tbl.RequireRole(keeper, access.RoleExecutor); err != nil {
		t.Fatalf("granted role rejected: %v", err)
	}
	if tbl.Has(access.RoleFeeKeeper, keeper) {
		t.Error("roles must not leak across each other")
	}

	tbl.Revoke(access.RoleExecutor, keeper)
	if tbl.Has(access.RoleExecutor, keeper) {
		t.Error("revoked role still held")
	}
}

func TestParseRole(t *testing.T) {
	if r, err := access.ParseRole("position_engine"); err != nil || r != access.RolePositionEngine {
		t.Fatalf("got %q, %v", r, err)
	}
	if _, err := access.ParseRole("admin"); err == nil {
		t.Error("expected error for unknown role")
	}
}
