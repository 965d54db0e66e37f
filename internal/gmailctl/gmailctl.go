// Package gmailctl reads compiled gmailctl filters so scans can tell which
// senders an existing rule already handles.
package gmailctl

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// Export mirrors the parts of `gmailctl compile --format=json` we read.
type Export struct {
	Filters []Filter `json:"filters"`
}

// Filter is a single compiled Gmail filter.
type Filter struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Criteria FilterCriteria `json:"criteria"`
}

// FilterCriteria holds the sender-bearing predicates of a filter.
type FilterCriteria struct {
	From  string `json:"from,omitempty"`
	Query string `json:"query,omitempty"`
}

// Runner shells out to the gmailctl binary.
type Runner struct {
	Binary    string
	ConfigDir string
}

// ExportFilters invokes gmailctl and parses the compiled filters.
func (r Runner) ExportFilters(ctx context.Context) (Export, error) {
	bin := r.Binary
	if bin == "" {
		bin = "gmailctl"
	}
	args := []string{"compile", "--format=json"}
	if strings.TrimSpace(r.ConfigDir) != "" {
		args = append(args, "--config", r.ConfigDir)
	}
	cmd := exec.CommandContext(ctx, bin, args...) // #nosec G204 - binary determined by user input
	out, err := cmd.Output()
	if err != nil {
		return Export{}, fmt.Errorf("run gmailctl: %w", err)
	}
	return Parse(out)
}

// Parse decodes compile output.
func Parse(data []byte) (Export, error) {
	var export Export
	if err := json.Unmarshal(data, &export); err != nil {
		return Export{}, fmt.Errorf("decode gmailctl output: %w", err)
	}
	return export, nil
}

// Covering returns the name (or id) of the first filter whose from
// criterion matches address, or "" when none does. Patterns may be full
// addresses, "*@domain", "@domain" or bare domains, which also match
// subdomains.
func (e Export) Covering(address string) string {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return ""
	}
	for _, f := range e.Filters {
		for _, pattern := range senderPatterns(f.Criteria) {
			if matches(pattern, address) {
				return f.label()
			}
		}
	}
	return ""
}

func (f Filter) label() string {
	switch {
	case f.Name != "":
		return f.Name
	case f.ID != "":
		return f.ID
	default:
		return "from:" + f.Criteria.From
	}
}

// senderPatterns tokenizes the from criterion plus any from: terms in the
// raw query. OR-groups and braces are flattened; negated terms are skipped.
func senderPatterns(c FilterCriteria) []string {
	out := tokens(c.From)
	q := strings.ToLower(c.Query)
	for {
		i := strings.Index(q, "from:")
		if i == -1 {
			return out
		}
		negated := i > 0 && q[i-1] == '-'
		q = q[i+len("from:"):]
		end := termEnd(q)
		if !negated {
			out = append(out, tokens(q[:end])...)
		}
		q = q[end:]
	}
}

// termEnd returns the length of the search term at the start of q. A
// parenthesized or braced group runs to its closing bracket.
func termEnd(q string) int {
	if q == "" {
		return 0
	}
	closer := byte(0)
	switch q[0] {
	case '(':
		closer = ')'
	case '{':
		closer = '}'
	}
	if closer != 0 {
		if j := strings.IndexByte(q, closer); j != -1 {
			return j + 1
		}
		return len(q)
	}
	if j := strings.IndexAny(q, " \t"); j != -1 {
		return j
	}
	return len(q)
}

func tokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		switch r {
		case ' ', '\t', '{', '}', '(', ')', '"', ',':
			return true
		}
		return false
	})
	out := fields[:0]
	for _, f := range fields {
		if f == "or" {
			continue
		}
		out = append(out, f)
	}
	return out
}

func matches(pattern, address string) bool {
	pattern = strings.TrimPrefix(pattern, "*")
	if strings.HasPrefix(pattern, "@") {
		pattern = pattern[1:]
	} else if strings.Contains(pattern, "@") {
		return pattern == address
	}
	at := strings.LastIndex(address, "@")
	if at == -1 || pattern == "" {
		return false
	}
	domain := address[at+1:]
	return domain == pattern || strings.HasSuffix(domain, "."+pattern)
}
