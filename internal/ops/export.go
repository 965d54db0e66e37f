package ops

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bradenaw/juniper/xslices"

	"github.com/joshsymonds/mailsweep/internal/gmail"
	"github.com/joshsymonds/mailsweep/internal/progress"
	"github.com/joshsymonds/mailsweep/internal/query"
	"github.com/joshsymonds/mailsweep/internal/rate"
	"github.com/joshsymonds/mailsweep/internal/scan"
)

// CSVHeader is the first row of a download.
var CSVHeader = []string{"message_id", "from", "sender_email", "subject", "date", "labels"}

// ScanRequest bounds a sender scan. Limit 0 scans every match.
type ScanRequest struct {
	Limit  int          `json:"limit"`
	Filter query.Filter `json:"filters"`
}

// RunDownload fetches headers for every message from the given senders and
// stages them as CSV for TakeCSV. Any export left by an earlier run is
// dropped first, so only a run that completes an export can be taken.
func (e *Engine) RunDownload(ctx context.Context, req SendersRequest) progress.Status {
	senders := cleanSenders(req.Senders)
	e.stageCSV(nil)
	return e.execute(ctx, progress.KindDownload, requireSenders(senders), func(ctx context.Context, r *run) (string, error) {
		ids := r.discover(ctx, senders, fromQuery)
		if len(ids) == 0 {
			return "No emails found to export", nil
		}
		metas := r.fetch(ctx, ids, []string{"From", "Subject", "Date"}, mutateBase, mutateSpan)
		data, err := encodeCSV(metas)
		if err != nil {
			return "", err
		}
		e.stageCSV(data)
		r.tracker.Update(func(s *progress.Status) { s.AffectedCount = len(metas) })
		return fmt.Sprintf("Exported %d emails", len(metas)), nil
	})
}

// TakeCSV hands over the staged download. The buffer is released, so a
// second call reports false until another download completes.
func (e *Engine) TakeCSV() ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data := e.csv
	e.csv = nil
	return data, data != nil
}

func (e *Engine) stageCSV(data []byte) {
	e.mu.Lock()
	e.csv = data
	e.mu.Unlock()
}

// CSVFilename names a download taken at now.
func CSVFilename(now time.Time) string {
	return "emails-backup-" + now.UTC().Format("2006-01-02-150405") + ".csv"
}

// RunScan ranks senders that offer an unsubscribe target.
func (e *Engine) RunScan(ctx context.Context, req ScanRequest) progress.Status {
	return e.scan(ctx, progress.KindScan, req, true)
}

// RunDeleteScan ranks every sender by message count.
func (e *Engine) RunDeleteScan(ctx context.Context, req ScanRequest) progress.Status {
	return e.scan(ctx, progress.KindDeleteScan, req, false)
}

// ScanResults returns the last completed ranking for kind.
func (e *Engine) ScanResults(kind progress.Kind) []scan.SenderStat {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]scan.SenderStat(nil), e.senders[kind]...)
}

// Report assembles a printable report from kind's last ranking.
func (e *Engine) Report(kind progress.Kind, topN int) scan.Report {
	stats := e.ScanResults(kind)
	total := 0
	for _, s := range stats {
		total += s.Count
	}
	if topN > 0 && topN < len(stats) {
		stats = stats[:topN]
	}
	return scan.Report{
		GeneratedAt:  e.now(),
		Total:        total,
		Senders:      stats,
		ArchiveRules: scan.BuildArchiveRules(stats),
	}
}

func (e *Engine) scan(ctx context.Context, kind progress.Kind, req ScanRequest, requireUnsubscribe bool) progress.Status {
	var invalid error
	if req.Limit < 0 {
		invalid = invalidf("limit must not be negative")
	}
	return e.execute(ctx, kind, invalid, func(ctx context.Context, r *run) (string, error) {
		q := gmail.Query{Raw: query.Build(req.Filter)}
		if q.Raw == "" {
			q.Raw = "in:inbox"
		}
		r.tracker.SetPhase(0, "Searching messages...")
		ids, err := r.searcher.Collect(ctx, q, req.Limit)
		if err != nil {
			return "", fmt.Errorf("search messages: %w", err)
		}
		if len(ids) == 0 {
			e.mu.Lock()
			e.senders[kind] = nil
			e.mu.Unlock()
			return "No emails found to scan", nil
		}
		r.tracker.SetPhase(10, fmt.Sprintf("Found %d emails", len(ids)))

		metas := r.fetch(ctx, ids, scan.Headers(), 10, 90)
		ranked := scan.Rank(scan.Aggregate(metas, requireUnsubscribe), 0)
		e.mu.Lock()
		e.senders[kind] = ranked
		e.mu.Unlock()
		r.tracker.Update(func(s *progress.Status) {
			s.TotalSenders = len(ranked)
			s.AffectedCount = len(metas)
		})
		return fmt.Sprintf("Found %d senders in %d emails", len(ranked), len(metas)), nil
	})
}

// fetch loads metadata for ids one at a time, mapping progress onto
// base..base+span. Failed ids are recorded and skipped.
func (r *run) fetch(ctx context.Context, ids []gmail.MessageID, headers []string, base, span int) []gmail.MessageMeta {
	metas := make([]gmail.MessageMeta, 0, len(ids))
	for i, id := range ids {
		meta, err := r.metadata(ctx, id, headers)
		if err != nil {
			r.logger.WarnContext(ctx, "metadata fetch failed", slog.String("id", string(id)), slog.Any("error", err))
			r.errs = append(r.errs, fmt.Sprintf("%s: %v", id, err))
		} else {
			metas = append(metas, meta)
		}
		done := i + 1
		r.tracker.Update(func(s *progress.Status) {
			s.Progress = progress.Phase(base, span, done, len(ids))
			s.Message = fmt.Sprintf("Reading %d/%d emails...", done, len(ids))
		})
	}
	return metas
}

func (r *run) metadata(ctx context.Context, id gmail.MessageID, headers []string) (gmail.MessageMeta, error) {
	if err := rate.Wait(ctx, r.limiter, "rate limit metadata"); err != nil {
		return gmail.MessageMeta{}, err
	}
	meta, err := r.client.GetMetadata(ctx, id, headers)
	if err != nil {
		return gmail.MessageMeta{}, fmt.Errorf("get metadata: %w", err)
	}
	return meta, nil
}

func encodeCSV(metas []gmail.MessageMeta) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(CSVHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, m := range metas {
		from := m.Headers["From"]
		date := m.Headers["Date"]
		if !m.Date.IsZero() {
			date = m.Date.UTC().Format(time.RFC3339)
		}
		labels := xslices.Map(m.LabelIDs, func(id gmail.LabelID) string { return string(id) })
		row := []string{
			string(m.ID),
			from,
			scan.ParseSender(from).Address,
			scan.DecodeSubject(m.Headers["Subject"]),
			date,
			strings.Join(labels, ";"),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}
