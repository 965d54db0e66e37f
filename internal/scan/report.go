// Package scan aggregates message metadata into per-sender statistics.
package scan

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joshsymonds/mailsweep/internal/gmail"
)

const previewSubjectDisplayLimit = 60

// Headers are the metadata headers a scan requests.
func Headers() []string {
	return []string{"From", "Subject", "Date", "List-Unsubscribe", "List-Unsubscribe-Post"}
}

// SenderStat ranks one sender address.
type SenderStat struct {
	Email          string      `json:"email"`
	Name           string      `json:"name,omitempty"`
	Domain         string      `json:"domain"`
	Count          int         `json:"count"`
	PreviewSubject string      `json:"preview_subject"`
	Latest         time.Time   `json:"latest,omitempty"`
	Unsubscribe    Unsubscribe `json:"unsubscribe"`
	FilteredBy     string      `json:"filtered_by,omitempty"`
}

// Aggregate groups metas by sender address. When requireUnsubscribe is set,
// messages without a List-Unsubscribe target are skipped.
func Aggregate(metas []gmail.MessageMeta, requireUnsubscribe bool) map[string]*SenderStat {
	senders := map[string]*SenderStat{}
	for _, meta := range metas {
		unsub := ParseUnsubscribe(meta.Headers["List-Unsubscribe"], meta.Headers["List-Unsubscribe-Post"])
		if requireUnsubscribe && unsub.Empty() {
			continue
		}
		from := ParseSender(meta.Headers["From"])
		if from.Address == "" {
			continue
		}
		st := senders[from.Address]
		if st == nil {
			st = &SenderStat{Email: from.Address, Domain: DomainOf(from.Address)}
			senders[from.Address] = st
		}
		st.Count++
		if st.Name == "" {
			st.Name = from.Name
		}
		if st.PreviewSubject == "" {
			st.PreviewSubject = DecodeSubject(meta.Headers["Subject"])
		}
		if meta.Date.After(st.Latest) {
			st.Latest = meta.Date
		}
		if st.Unsubscribe.Empty() {
			st.Unsubscribe = unsub
		}
	}
	return senders
}

// Rank orders senders by count, then address. topN <= 0 keeps every sender.
func Rank(m map[string]*SenderStat, topN int) []SenderStat {
	slice := make([]SenderStat, 0, len(m))
	for _, st := range m {
		slice = append(slice, *st)
	}
	sort.Slice(slice, func(i, j int) bool {
		if slice[i].Count == slice[j].Count {
			return slice[i].Email < slice[j].Email
		}
		return slice[i].Count > slice[j].Count
	})
	if topN > 0 && topN < len(slice) {
		slice = slice[:topN]
	}
	return slice
}

// MarkCovered records, for each sender, the existing filter that already
// handles it. covering returns "" for senders no filter matches.
func MarkCovered(stats []SenderStat, covering func(address string) string) {
	for i := range stats {
		stats[i].FilteredBy = covering(stats[i].Email)
	}
}

// Report is the result of a sender scan.
type Report struct {
	GeneratedAt  time.Time    `json:"generated_at"`
	Total        int          `json:"total"`
	Senders      []SenderStat `json:"senders"`
	ArchiveRules []string     `json:"archive_rules"`
}

// BuildArchiveRules proposes gmailctl snippets that archive the noisiest
// senders' domains. Senders an existing filter covers are skipped.
func BuildArchiveRules(senders []SenderStat) []string {
	const maxRules = 10
	seen := map[string]struct{}{}
	snippets := make([]string, 0, maxRules)
	for _, sd := range senders {
		if sd.Domain == "" || sd.FilteredBy != "" {
			continue
		}
		if _, ok := seen[sd.Domain]; ok {
			continue
		}
		seen[sd.Domain] = struct{}{}
		snippets = append(snippets, fmt.Sprintf(`{
  filter: { from: "*@%s" },
  actions: { archive: true, markRead: true },
}`, sd.Domain))
		if len(snippets) >= maxRules {
			break
		}
	}
	return snippets
}

// PrintHuman writes a readable report to the provided writer.
func PrintHuman(rep Report, w io.Writer) error {
	if w == nil {
		w = os.Stdout
	}
	var builder strings.Builder
	fmt.Fprintf(&builder, "mailsweep scan: %d messages, %d senders\n", rep.Total, len(rep.Senders))
	if len(rep.Senders) > 0 {
		builder.WriteString("\nTop senders:\n")
		for _, s := range rep.Senders {
			marker := " "
			switch {
			case s.FilteredBy != "":
				marker = "f"
			case !s.Unsubscribe.Empty():
				marker = "u"
			}
			fmt.Fprintf(
				&builder,
				"  %s %-40s %5d %s\n",
				marker,
				s.Email,
				s.Count,
				truncate(s.PreviewSubject, previewSubjectDisplayLimit),
			)
		}
	}
	if len(rep.ArchiveRules) > 0 {
		builder.WriteString("\nSuggested gmailctl snippets:\n")
		for _, snip := range rep.ArchiveRules {
			fmt.Fprintf(&builder, "%s\n\n", snip)
		}
	}
	if _, err := io.WriteString(w, builder.String()); err != nil {
		return fmt.Errorf("write human report: %w", err)
	}
	return nil
}

// WriteJSON serializes the report to a path relative to the working directory.
func WriteJSON(rep Report, path string) error {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return fmt.Errorf("path must not be empty")
	}
	clean = filepath.Clean(clean)
	if filepath.IsAbs(clean) {
		return fmt.Errorf("output path must be relative, got %s", clean)
	}
	if strings.HasPrefix(clean, "..") {
		return fmt.Errorf("output path %s escapes working directory", clean)
	}
	f, err := os.OpenFile(clean, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return fmt.Errorf("create %s: %w", clean, err)
	}
	defer func() { _ = f.Close() }()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if encodeErr := enc.Encode(rep); encodeErr != nil {
		return fmt.Errorf("encode report: %w", encodeErr)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
