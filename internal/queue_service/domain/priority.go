package domain

import (
	"strings"

	"github.com/aradsms/queue_services/internal/core_domain"
)

// PriorityOrder lists customer types from highest to lowest priority.
type PriorityOrder []CustomerType

// ParsePriorityOrder reads a comma separated list such as "paying,priority_pass".
// Every known customer type must appear exactly once.
func ParsePriorityOrder(s string) (PriorityOrder, error) {
	var order PriorityOrder
	seen := map[CustomerType]bool{}
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		ct, err := ParseCustomerType(part)
		if err != nil {
			return nil, err
		}
		if seen[ct] {
			return nil, core_domain.InvalidInputf("customer_type %q listed twice in priority order", ct)
		}
		seen[ct] = true
		order = append(order, ct)
	}
	if !seen[CustomerTypePaying] || !seen[CustomerTypePriorityPass] {
		return nil, core_domain.InvalidInputf("priority order %q must list paying and priority_pass", s)
	}
	return order, nil
}

// Rank is the zero-based position of ct; unknown types sort last.
func (p PriorityOrder) Rank(ct CustomerType) int {
	for i, c := range p {
		if c == ct {
			return i
		}
	}
	return len(p)
}

// Less orders waiting entries by priority class, then sort key, then creation time.
func (p PriorityOrder) Less(a, b *QueueEntry) bool {
	ra, rb := p.Rank(a.CustomerType), p.Rank(b.CustomerType)
	if ra != rb {
		return ra < rb
	}
	if a.SortKey != b.SortKey {
		return a.SortKey < b.SortKey
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Strings is the order as a text array, matched with array_position in SQL.
func (p PriorityOrder) Strings() []string {
	out := make([]string, len(p))
	for i, c := range p {
		out[i] = string(c)
	}
	return out
}
