package core_test

import (
	"testing"

	"inventory-engine/internal/core"
)

func TestDeriveRequestStatus(t *testing.T) {
	tests := []struct {
		name     string
		items    []string
		expected string
	}{
		{"no items", nil, core.StatusPending},
		{"single pending", []string{core.StatusPending}, core.StatusPending},
		{"pending wins over decided", []string{core.StatusApproved, core.StatusPending, core.StatusRejected}, core.StatusPending},
		{"all approved", []string{core.StatusApproved, core.StatusApproved}, core.StatusApproved},
		{"all rejected", []string{core.StatusRejected, core.StatusRejected}, core.StatusRejected},
		{"mixed approved and rejected", []string{core.StatusApproved, core.StatusRejected}, core.StatusPartiallyApproved},
		{"any partial", []string{core.StatusApproved, core.StatusPartiallyApproved}, core.StatusPartiallyApproved},
		{"single partial", []string{core.StatusPartiallyApproved}, core.StatusPartiallyApproved},
		{"partial with rejected", []string{core.StatusPartiallyApproved, core.StatusRejected}, core.StatusPartiallyApproved},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := core.DeriveRequestStatus(tc.items); got != tc.expected {
				t.Errorf("DeriveRequestStatus(%v) = %s, want %s", tc.items, got, tc.expected)
			}
		})
	}
}
