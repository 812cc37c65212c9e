package types

import "strings"

// Rank is the priority class of a task. Admission ceilings are per rank.
type Rank string

const (
	RankCritical  Rank = "CRITICAL"
	RankImportant Rank = "IMPORTANT"
	RankOptional  Rank = "OPTIONAL"
)

// Ranks lists every rank, highest first.
var Ranks = []Rank{RankCritical, RankImportant, RankOptional}

// ParseRank parses a rank case-insensitively. An empty string yields
// IMPORTANT.
func ParseRank(s string) (Rank, error) {
	if strings.TrimSpace(s) == "" {
		return RankImportant, nil
	}
	r := Rank(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", Errorf(ErrInvalidRequest, "unknown task rank %q", s)
	}
	return r, nil
}

// Valid reports whether r is a known rank.
func (r Rank) Valid() bool {
	switch r {
	case RankCritical, RankImportant, RankOptional:
		return true
	}
	return false
}
