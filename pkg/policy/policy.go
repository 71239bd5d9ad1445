// Package policy holds the small decision rules the attestation facade
// enforces before privileged operations: approver quorums and scope coverage.
package policy

import "strings"

// QuorumThreshold is the number of distinct approvers a privileged operation
// needs before it may proceed.
const QuorumThreshold = 3

// QuorumApproved reports whether at least QuorumThreshold distinct, non-empty
// approvers signed off. Whitespace-only names do not count, and repeats of the
// same approver count once.
func QuorumApproved(approvers []string) bool {
	return DistinctApprovers(approvers) >= QuorumThreshold
}

// DistinctApprovers counts the distinct non-empty approvers after trimming
// whitespace.
func DistinctApprovers(approvers []string) int {
	seen := make(map[string]struct{}, len(approvers))
	for _, a := range approvers {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		seen[a] = struct{}{}
	}
	return len(seen)
}

// HasScopes reports whether a whitespace-separated grant covers every needed
// scope. An empty needed list is vacuously satisfied.
func HasScopes(granted string, needed []string) bool {
	if len(needed) == 0 {
		return true
	}
	have := make(map[string]struct{})
	for _, s := range strings.Fields(granted) {
		have[s] = struct{}{}
	}
	for _, n := range needed {
		if _, ok := have[n]; !ok {
			return false
		}
	}
	return true
}

// HasScope reports whether the grant covers a single scope.
func HasScope(granted, needed string) bool {
	return HasScopes(granted, []string{needed})
}
