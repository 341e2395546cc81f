// Package quorum computes how many independent auditor approvals a credit
// amount requires. The calculator is a pure step function over a configured
// threshold table; both the audit and expiry coordinators use the same table
// so their quorum semantics cannot drift apart.
package quorum

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Threshold is one step of the table: amounts at or above MinAmount require
// at least Auditors approvals (unless a higher step also matches).
type Threshold struct {
	MinAmount int64 `yaml:"min_amount" json:"min_amount"`
	Auditors  int   `yaml:"auditors" json:"auditors"`
}

// Table is an immutable, validated quorum threshold table. The required
// count for an amount is taken from the greatest MinAmount <= amount.
type Table struct {
	steps []Threshold
}

// NewTable validates and builds a table. The table must be non-empty, cover
// amount zero, contain no duplicate bounds, and be monotonically
// non-decreasing in auditor count. Every count must be positive so that
// Required never returns zero for a positive amount.
func NewTable(steps []Threshold) (*Table, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("quorum table must not be empty")
	}

	sorted := append([]Threshold(nil), steps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinAmount < sorted[j].MinAmount })

	if sorted[0].MinAmount > 0 {
		return nil, fmt.Errorf("quorum table must cover amount 0, lowest bound is %d", sorted[0].MinAmount)
	}

	for i, step := range sorted {
		if step.MinAmount < 0 {
			return nil, fmt.Errorf("quorum bound %d must not be negative", step.MinAmount)
		}
		if step.Auditors <= 0 {
			return nil, fmt.Errorf("quorum count for bound %d must be positive, got %d", step.MinAmount, step.Auditors)
		}
		if i > 0 {
			if step.MinAmount == sorted[i-1].MinAmount {
				return nil, fmt.Errorf("duplicate quorum bound %d", step.MinAmount)
			}
			if step.Auditors < sorted[i-1].Auditors {
				return nil, fmt.Errorf("quorum counts must be non-decreasing: bound %d requires %d after %d",
					step.MinAmount, step.Auditors, sorted[i-1].Auditors)
			}
		}
	}

	return &Table{steps: sorted}, nil
}

// MustTable builds a table and panics on invalid input. For package-level
// defaults and tests.
func MustTable(steps []Threshold) *Table {
	t, err := NewTable(steps)
	if err != nil {
		panic(err)
	}
	return t
}

// Default returns the standard threshold table: one auditor for small
// credits, two from 50 tons, three from 500 tons.
func Default() *Table {
	return MustTable([]Threshold{
		{MinAmount: 0, Auditors: 1},
		{MinAmount: 50, Auditors: 2},
		{MinAmount: 500, Auditors: 3},
	})
}

// Required returns the auditor count for the given amount: the count of the
// greatest lower bound <= amount. Deterministic, side-effect free, and
// never zero for amount > 0.
func (t *Table) Required(amount int64) int {
	if amount < 0 {
		amount = 0
	}
	// steps are sorted ascending; find the last bound <= amount.
	idx := sort.Search(len(t.steps), func(i int) bool { return t.steps[i].MinAmount > amount })
	if idx == 0 {
		return t.steps[0].Auditors
	}
	return t.steps[idx-1].Auditors
}

// Steps returns a copy of the validated threshold table.
func (t *Table) Steps() []Threshold {
	return append([]Threshold(nil), t.steps...)
}

// Parse builds a table from its compact textual form "0:1,50:2,500:3",
// as accepted in environment configuration.
func Parse(s string) (*Table, error) {
	var steps []Threshold
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		bound, count, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid quorum table entry %q, want bound:count", pair)
		}
		minAmount, err := strconv.ParseInt(strings.TrimSpace(bound), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid quorum bound %q: %w", bound, err)
		}
		auditors, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil {
			return nil, fmt.Errorf("invalid quorum count %q: %w", count, err)
		}
		steps = append(steps, Threshold{MinAmount: minAmount, Auditors: auditors})
	}
	return NewTable(steps)
}
