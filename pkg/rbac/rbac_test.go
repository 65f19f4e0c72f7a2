package rbac

import (
	"errors"
	"testing"
)

func TestCheckPermission(t *testing.T) {
	cases := []struct {
		role, perm string
		ok         bool
	}{
		{RoleAdmin, PermissionPurgeLedger, true},
		{RoleOperator, PermissionRunProcessing, true},
		{RoleOperator, PermissionPurgeLedger, false},
		{RoleViewer, PermissionReadInvoice, true},
		{RoleViewer, PermissionRunProcessing, false},
		{"", PermissionReadInvoice, false},
	}
	for _, tc := range cases {
		err := CheckPermission(tc.role, tc.perm)
		if (err == nil) != tc.ok {
			t.Fatalf("CheckPermission(%q, %q) = %v, want ok=%v", tc.role, tc.perm, err, tc.ok)
		}
		var pd *PermissionDeniedError
		if err != nil && !errors.As(err, &pd) {
			t.Fatalf("error type = %T", err)
		}
	}
}
