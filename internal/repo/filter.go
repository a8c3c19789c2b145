package repo

import "strings"

// BranchFilter is the tenant isolation predicate every work item query carries.
// All matches every branch; otherwise only the listed branches match and an empty
// list matches nothing.
type BranchFilter struct {
	All      bool
	Branches []string
}

// AllBranches is the filter used by wildcard holders and internal maintenance paths.
func AllBranches() BranchFilter {
	return BranchFilter{All: true}
}

// Only restricts to the given branches.
func Only(branches ...string) BranchFilter {
	return BranchFilter{Branches: branches}
}

// Allows reports whether an item in branchID passes the filter.
func (f BranchFilter) Allows(branchID string) bool {
	if f.All {
		return true
	}
	for _, b := range f.Branches {
		if b == branchID {
			return true
		}
	}
	return false
}

func (f BranchFilter) predicate(column string) (string, []any) {
	if f.All {
		return "1=1", nil
	}
	if len(f.Branches) == 0 {
		return "1=0", nil
	}
	args := make([]any, len(f.Branches))
	for i, b := range f.Branches {
		args[i] = b
	}
	return column + " IN (" + strings.TrimSuffix(strings.Repeat("?,", len(f.Branches)), ",") + ")", args
}
