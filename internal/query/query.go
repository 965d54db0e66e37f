// Package query renders structured filters into Gmail search grammar.
package query

import (
	"fmt"
	"strings"
	"time"
)

// Filter is a conjunction of optional predicates. Zero fields are skipped.
type Filter struct {
	Senders    []string  `json:"senders,omitempty"`
	Label      string    `json:"label,omitempty"`
	Unread     bool      `json:"unread,omitempty"`
	Category   string    `json:"category,omitempty"`    // promotions, social, updates, forums, primary
	After      time.Time `json:"after,omitempty"`
	Before     time.Time `json:"before,omitempty"`
	OlderThan  string    `json:"older_than,omitempty"`  // e.g. 30d, 6m, 1y
	LargerThan string    `json:"larger_than,omitempty"` // e.g. 5M, 500K
}

// IsZero reports whether no predicate is set.
func (f Filter) IsZero() bool {
	return Build(f) == ""
}

const dateLayout = "2006/01/02"

// Build renders f with a stable token order: unread, label, category, dates,
// size, then the sender OR-group. It returns "" when every field is empty.
func Build(f Filter) string {
	var parts []string
	if f.Unread {
		parts = append(parts, "is:unread")
	}
	if lbl := strings.TrimSpace(f.Label); lbl != "" {
		parts = append(parts, "label:"+quote(lbl))
	}
	if cat := strings.ToLower(strings.TrimSpace(f.Category)); cat != "" {
		parts = append(parts, "category:"+quote(cat))
	}
	if !f.After.IsZero() {
		parts = append(parts, "after:"+f.After.Format(dateLayout))
	}
	if !f.Before.IsZero() {
		parts = append(parts, "before:"+f.Before.Format(dateLayout))
	}
	if age := strings.TrimSpace(f.OlderThan); age != "" {
		parts = append(parts, "older_than:"+quote(age))
	}
	if size := strings.TrimSpace(f.LargerThan); size != "" {
		parts = append(parts, "larger:"+quote(size))
	}
	if group := senderGroup(f.Senders); group != "" {
		parts = append(parts, group)
	}
	return strings.Join(parts, " ")
}

// FromSender returns the query for every message from a single sender.
func FromSender(sender string) string {
	return senderGroup([]string{sender})
}

// Join concatenates non-empty query fragments.
func Join(fragments ...string) string {
	parts := make([]string, 0, len(fragments))
	for _, frag := range fragments {
		if frag = strings.TrimSpace(frag); frag != "" {
			parts = append(parts, frag)
		}
	}
	return strings.Join(parts, " ")
}

func senderGroup(senders []string) string {
	cleaned := make([]string, 0, len(senders))
	for _, s := range senders {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		cleaned = append(cleaned, quote(s))
	}
	switch len(cleaned) {
	case 0:
		return ""
	case 1:
		return "from:" + cleaned[0]
	default:
		return fmt.Sprintf("from:(%s)", strings.Join(cleaned, " OR "))
	}
}

// quote wraps values containing whitespace or grammar characters in double
// quotes. Embedded quotes cannot be escaped in Gmail search and are dropped.
func quote(v string) string {
	v = strings.ReplaceAll(v, `"`, "")
	if v == "" {
		return `""`
	}
	if strings.ContainsAny(v, " \t(){}:\\") {
		return `"` + v + `"`
	}
	return v
}
