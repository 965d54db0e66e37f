package ops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/joshsymonds/mailsweep/internal/batch"
	"github.com/joshsymonds/mailsweep/internal/gmail"
	"github.com/joshsymonds/mailsweep/internal/progress"
	"github.com/joshsymonds/mailsweep/internal/query"
	"github.com/joshsymonds/mailsweep/internal/rate"
	"github.com/joshsymonds/mailsweep/internal/search"
)

// Progress split for sender-driven operations: discovery fills the first
// 40%, mutation the rest.
const (
	discoverSpan = 40
	mutateBase   = discoverSpan
	mutateSpan   = 100 - discoverSpan
)

// MarkReadRequest selects unread messages to mark read. Count 0 means every
// match.
type MarkReadRequest struct {
	Count  int          `json:"count"`
	Filter query.Filter `json:"filters"`
}

// SendersRequest names the senders an operation targets.
type SendersRequest struct {
	Senders []string `json:"senders"`
}

// LabelRequest applies or removes one label for a set of senders. When
// applying, LabelName may stand in for LabelID; the label is created if it
// does not exist yet.
type LabelRequest struct {
	LabelID   gmail.LabelID `json:"label_id"`
	LabelName string        `json:"label_name,omitempty"`
	Senders   []string      `json:"senders"`
}

// ImportantRequest marks or unmarks senders' messages as important.
type ImportantRequest struct {
	Senders   []string `json:"senders"`
	Important bool     `json:"important"`
}

// BulkRequest selects messages by filter alone.
type BulkRequest struct {
	Filter query.Filter `json:"filters"`
}

// RunMarkRead removes UNREAD from up to Count unread messages.
func (e *Engine) RunMarkRead(ctx context.Context, req MarkReadRequest) progress.Status {
	var invalid error
	if req.Count < 0 {
		invalid = invalidf("count must not be negative")
	}
	return e.execute(ctx, progress.KindMarkRead, invalid, func(ctx context.Context, r *run) (string, error) {
		f := req.Filter
		f.Unread = false
		q := gmail.Query{Raw: query.Join("is:unread", query.Build(f))}

		r.tracker.SetPhase(0, "Finding unread emails...")
		ids, err := r.searcher.Collect(ctx, q, req.Count)
		if err != nil {
			return "", fmt.Errorf("search unread: %w", err)
		}
		if len(ids) == 0 {
			return "No unread emails found", nil
		}

		res := r.mutator.Apply(ctx, ids, gmail.ModifyOps{RemoveLabels: []gmail.LabelID{gmail.LabelUnread}},
			batch.FlagChunkSize, func(done, total int) {
				r.tracker.Update(func(s *progress.Status) {
					s.MarkedCount = done
					s.AffectedCount = done
					s.Progress = progress.Phase(0, 100, done, total)
					s.Message = fmt.Sprintf("Marked %d/%d emails as read...", done, total)
				})
			})
		r.errs = append(r.errs, res.Errors...)
		r.tracker.Update(func(s *progress.Status) {
			s.MarkedCount = res.Affected
			s.AffectedCount = res.Affected
		})
		return fmt.Sprintf("Marked %d emails as read", res.Affected), nil
	})
}

// RunDeleteBySender moves every message from the given senders to trash.
func (e *Engine) RunDeleteBySender(ctx context.Context, req SendersRequest) progress.Status {
	senders := cleanSenders(req.Senders)
	return e.execute(ctx, progress.KindDeleteSenders, requireSenders(senders), func(ctx context.Context, r *run) (string, error) {
		ids := r.discover(ctx, senders, fromQuery)
		if len(ids) == 0 {
			return "No emails found to delete", nil
		}
		n := r.mutate(ctx, ids, gmail.ModifyOps{AddLabels: []gmail.LabelID{gmail.LabelTrash}},
			batch.LabelChunkSize, mutateBase, mutateSpan, "Deleting")
		return fmt.Sprintf("Moved %d emails to trash", n), nil
	})
}

// RunDeleteBulk moves every message matching Filter to trash. An empty
// filter is rejected rather than trashing the whole mailbox.
func (e *Engine) RunDeleteBulk(ctx context.Context, req BulkRequest) progress.Status {
	var invalid error
	if req.Filter.IsZero() {
		invalid = invalidf("at least one filter is required")
	}
	return e.execute(ctx, progress.KindDeleteBulk, invalid, func(ctx context.Context, r *run) (string, error) {
		q := gmail.Query{Raw: query.Build(req.Filter)}
		r.tracker.SetPhase(0, "Finding matching emails...")
		ids, err := r.searcher.Collect(ctx, q, search.Unbounded)
		if err != nil {
			return "", fmt.Errorf("search messages: %w", err)
		}
		if len(ids) == 0 {
			return "No emails found to delete", nil
		}
		n := r.mutate(ctx, ids, gmail.ModifyOps{AddLabels: []gmail.LabelID{gmail.LabelTrash}},
			batch.LabelChunkSize, 0, 100, "Deleting")
		return fmt.Sprintf("Moved %d emails to trash", n), nil
	})
}

// RunApplyLabel adds LabelID to every message from the given senders.
func (e *Engine) RunApplyLabel(ctx context.Context, req LabelRequest) progress.Status {
	senders := cleanSenders(req.Senders)
	name := strings.TrimSpace(req.LabelName)
	invalid := requireSenders(senders)
	if req.LabelID == "" && name == "" {
		invalid = invalidf("no label specified")
	}
	return e.execute(ctx, progress.KindLabel, invalid, func(ctx context.Context, r *run) (string, error) {
		labelID := req.LabelID
		if labelID == "" {
			r.tracker.SetPhase(0, fmt.Sprintf("Resolving label %s...", name))
			if err := rate.Wait(ctx, r.limiter, "rate limit labels"); err != nil {
				return "", err
			}
			id, err := r.client.EnsureLabel(ctx, name)
			if err != nil {
				return "", fmt.Errorf("ensure label %q: %w", name, err)
			}
			labelID = id
		}
		ids := r.discover(ctx, senders, fromQuery)
		if len(ids) == 0 {
			return "No emails found to label", nil
		}
		n := r.mutate(ctx, ids, gmail.ModifyOps{AddLabels: []gmail.LabelID{labelID}},
			batch.LabelChunkSize, mutateBase, mutateSpan, "Labeling")
		return fmt.Sprintf("Labeled %d emails", n), nil
	})
}

// RunRemoveLabel strips LabelID from messages from the given senders that
// currently carry it.
func (e *Engine) RunRemoveLabel(ctx context.Context, req LabelRequest) progress.Status {
	senders := cleanSenders(req.Senders)
	return e.execute(ctx, progress.KindLabel, validateLabel(req.LabelID, senders), func(ctx context.Context, r *run) (string, error) {
		ids := r.discover(ctx, senders, func(sender string) gmail.Query {
			return gmail.Query{Raw: query.FromSender(sender), LabelIDs: []gmail.LabelID{req.LabelID}}
		})
		if len(ids) == 0 {
			return "No emails found with this label", nil
		}
		n := r.mutate(ctx, ids, gmail.ModifyOps{RemoveLabels: []gmail.LabelID{req.LabelID}},
			batch.LabelChunkSize, mutateBase, mutateSpan, "Removing label from")
		return fmt.Sprintf("Removed label from %d emails", n), nil
	})
}

// RunArchive removes INBOX from inbox messages from the given senders.
func (e *Engine) RunArchive(ctx context.Context, req SendersRequest) progress.Status {
	senders := cleanSenders(req.Senders)
	return e.execute(ctx, progress.KindArchive, requireSenders(senders), func(ctx context.Context, r *run) (string, error) {
		ids := r.discover(ctx, senders, func(sender string) gmail.Query {
			return gmail.Query{Raw: query.Join("in:inbox", query.FromSender(sender))}
		})
		if len(ids) == 0 {
			return "No emails found to archive", nil
		}
		n := r.mutate(ctx, ids, gmail.ModifyOps{RemoveLabels: []gmail.LabelID{gmail.LabelInbox}},
			batch.LabelChunkSize, mutateBase, mutateSpan, "Archiving")
		return fmt.Sprintf("Archived %d emails", n), nil
	})
}

// RunMarkImportant adds or removes IMPORTANT on messages from the given senders.
func (e *Engine) RunMarkImportant(ctx context.Context, req ImportantRequest) progress.Status {
	senders := cleanSenders(req.Senders)
	return e.execute(ctx, progress.KindImportant, requireSenders(senders), func(ctx context.Context, r *run) (string, error) {
		ids := r.discover(ctx, senders, fromQuery)
		if len(ids) == 0 {
			return "No emails found", nil
		}
		ops := gmail.ModifyOps{RemoveLabels: []gmail.LabelID{gmail.LabelImportant}}
		verb, past := "Unmarking", "unmarked as important"
		if req.Important {
			ops = gmail.ModifyOps{AddLabels: []gmail.LabelID{gmail.LabelImportant}}
			verb, past = "Marking", "marked as important"
		}
		n := r.mutate(ctx, ids, ops, batch.FlagChunkSize, mutateBase, mutateSpan, verb)
		return fmt.Sprintf("%d emails %s", n, past), nil
	})
}

func fromQuery(sender string) gmail.Query {
	return gmail.Query{Raw: query.FromSender(sender)}
}

func requireSenders(senders []string) error {
	if len(senders) == 0 {
		return invalidf("no senders specified")
	}
	return nil
}

func validateLabel(id gmail.LabelID, senders []string) error {
	if id == "" {
		return invalidf("no label specified")
	}
	return requireSenders(senders)
}

// discover runs one unbounded search per sender, in order, and returns the
// union of the results. A failed sender is recorded and skipped.
func (r *run) discover(ctx context.Context, senders []string, queryFor func(string) gmail.Query) []gmail.MessageID {
	total := len(senders)
	r.tracker.Update(func(s *progress.Status) { s.TotalSenders = total })

	seen := map[gmail.MessageID]struct{}{}
	var ids []gmail.MessageID
	for i, sender := range senders {
		r.tracker.Update(func(s *progress.Status) {
			s.CurrentSender = i + 1
			s.Progress = progress.Phase(0, discoverSpan, i, total)
			s.Message = fmt.Sprintf("Finding emails from %s (%d/%d)...", sender, i+1, total)
		})
		found, err := r.searcher.Collect(ctx, queryFor(sender), search.Unbounded)
		if err != nil {
			r.logger.WarnContext(ctx, "sender search failed",
				slog.String("sender", sender),
				slog.Any("error", err),
			)
			r.errs = append(r.errs, fmt.Sprintf("%s: %v", sender, err))
			continue
		}
		for _, id := range found {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	r.tracker.SetPhase(discoverSpan, fmt.Sprintf("Found %d emails", len(ids)))
	return ids
}

// mutate applies ops to ids in chunks, mapping chunk progress onto
// base..base+span, and returns the number of ids affected.
func (r *run) mutate(
	ctx context.Context,
	ids []gmail.MessageID,
	ops gmail.ModifyOps,
	chunkSize, base, span int,
	verb string,
) int {
	res := r.mutator.Apply(ctx, ids, ops, chunkSize, func(done, total int) {
		r.tracker.Update(func(s *progress.Status) {
			s.AffectedCount = done
			s.Progress = progress.Phase(base, span, done, total)
			s.Message = fmt.Sprintf("%s %d/%d emails...", verb, done, total)
		})
	})
	r.errs = append(r.errs, res.Errors...)
	r.logger.InfoContext(ctx, "mutation applied",
		slog.Int("affected", res.Affected),
		slog.Int("chunks", res.Chunks),
		slog.Int("failed_chunks", len(res.Errors)),
	)
	r.tracker.Update(func(s *progress.Status) { s.AffectedCount = res.Affected })
	return res.Affected
}
