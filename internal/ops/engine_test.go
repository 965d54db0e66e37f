package ops

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joshsymonds/mailsweep/internal/gmail"
	"github.com/joshsymonds/mailsweep/internal/gmail/gmailtest"
	"github.com/joshsymonds/mailsweep/internal/progress"
	"github.com/joshsymonds/mailsweep/internal/query"
	"github.com/joshsymonds/mailsweep/internal/rate"
)

func newTestEngine(fake *gmailtest.Fake) *Engine {
	e := NewEngine(StaticClient(fake), rate.Unlimited{}, slogDiscard())
	e.Sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func TestMarkReadStopsAtAvailableMatches(t *testing.T) {
	fake := gmailtest.New()
	fake.Results["is:unread"] = gmailtest.IDs("u", 3)
	e := newTestEngine(fake)

	st := e.RunMarkRead(context.Background(), MarkReadRequest{Count: 5})

	require.True(t, st.Done)
	require.Empty(t, st.Error)
	require.Equal(t, 100, st.Progress)
	require.Equal(t, 3, st.MarkedCount)
	require.Contains(t, st.Message, "3")
	require.Len(t, fake.Batches, 1)
	require.Equal(t, []gmail.LabelID{gmail.LabelUnread}, fake.Batches[0].Ops.RemoveLabels)
	require.Equal(t, 5, fake.Lists[0].PageSize)
}

func TestMarkReadAppliesFilterAndChunks(t *testing.T) {
	fake := gmailtest.New()
	fake.Results["is:unread category:promotions"] = gmailtest.IDs("u", 250)
	e := newTestEngine(fake)

	st := e.RunMarkRead(context.Background(), MarkReadRequest{
		Filter: query.Filter{Unread: true, Category: "Promotions"},
	})

	require.Empty(t, st.Error)
	require.Equal(t, 250, st.MarkedCount)
	require.Len(t, fake.Batches, 3, "flag mutations use chunks of 100")
}

func TestValidationMakesNoProviderCalls(t *testing.T) {
	tests := []struct {
		name string
		run  func(e *Engine) progress.Status
	}{
		{"negative count", func(e *Engine) progress.Status {
			return e.RunMarkRead(context.Background(), MarkReadRequest{Count: -1})
		}},
		{"delete no senders", func(e *Engine) progress.Status {
			return e.RunDeleteBySender(context.Background(), SendersRequest{Senders: []string{" ", ""}})
		}},
		{"bulk without filter", func(e *Engine) progress.Status {
			return e.RunDeleteBulk(context.Background(), BulkRequest{})
		}},
		{"label without id", func(e *Engine) progress.Status {
			return e.RunApplyLabel(context.Background(), LabelRequest{Senders: []string{"a@x.com"}})
		}},
		{"remove label without senders", func(e *Engine) progress.Status {
			return e.RunRemoveLabel(context.Background(), LabelRequest{LabelID: "Label_1"})
		}},
		{"archive no senders", func(e *Engine) progress.Status {
			return e.RunArchive(context.Background(), SendersRequest{})
		}},
		{"important no senders", func(e *Engine) progress.Status {
			return e.RunMarkImportant(context.Background(), ImportantRequest{Important: true})
		}},
		{"download no senders", func(e *Engine) progress.Status {
			return e.RunDownload(context.Background(), SendersRequest{})
		}},
		{"scan negative limit", func(e *Engine) progress.Status {
			return e.RunScan(context.Background(), ScanRequest{Limit: -5})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := gmailtest.New()
			st := tt.run(newTestEngine(fake))
			require.True(t, st.Done)
			require.Contains(t, st.Error, ErrValidation.Error())
			require.Zero(t, fake.Calls())
		})
	}
}

func TestAuthFailureEndsRun(t *testing.T) {
	e := NewEngine(func(context.Context) (gmail.Client, error) {
		return nil, errors.New("token expired")
	}, nil, slogDiscard())

	st := e.RunArchive(context.Background(), SendersRequest{Senders: []string{"a@x.com"}})

	require.True(t, st.Done)
	require.Contains(t, st.Error, "gmail client unavailable")
	require.Contains(t, st.Error, "token expired")

	_, err := e.UnreadCount(context.Background(), false)
	require.ErrorIs(t, err, ErrAuth)
}

func TestApplyLabelContinuesPastFailedSender(t *testing.T) {
	fake := gmailtest.New()
	fake.ListErrs["from:a@x.com"] = errors.New("backend unavailable")
	fake.Results["from:b@y.com"] = gmailtest.IDs("b", 2)
	e := newTestEngine(fake)

	st := e.RunApplyLabel(context.Background(), LabelRequest{
		LabelID: "Label_7",
		Senders: []string{"a@x.com", "b@y.com"},
	})

	require.True(t, st.Done)
	require.Equal(t, 2, st.AffectedCount)
	require.Equal(t, 100, st.Progress)
	require.True(t, strings.HasPrefix(st.Error, "Some errors: "), st.Error)
	require.Contains(t, st.Error, "a@x.com: ")
	require.Equal(t, 2, st.TotalSenders)
	require.Equal(t, 2, st.CurrentSender)
	require.Len(t, fake.Batches, 1)
	require.Equal(t, []gmail.LabelID{"Label_7"}, fake.Batches[0].Ops.AddLabels)
}

func TestApplyLabelByNameCreatesLabel(t *testing.T) {
	fake := gmailtest.New()
	fake.Results["from:a@x.com"] = gmailtest.IDs("a", 2)
	e := newTestEngine(fake)

	st := e.RunApplyLabel(context.Background(), LabelRequest{LabelName: "Receipts", Senders: []string{"a@x.com"}})

	require.Empty(t, st.Error)
	require.Len(t, fake.Labels, 1)
	require.Equal(t, []gmail.LabelID{fake.Labels[0].ID}, fake.Batches[0].Ops.AddLabels)
}

func TestRemoveLabelRestrictsSearchToLabel(t *testing.T) {
	fake := gmailtest.New()
	fake.Results["from:a@x.com|Label_1"] = gmailtest.IDs("a", 4)
	fake.Results["from:a@x.com"] = gmailtest.IDs("all", 40)
	e := newTestEngine(fake)

	st := e.RunRemoveLabel(context.Background(), LabelRequest{LabelID: "Label_1", Senders: []string{"a@x.com"}})

	require.Empty(t, st.Error)
	require.Equal(t, 4, st.AffectedCount)
	require.Equal(t, []gmail.LabelID{"Label_1"}, fake.Batches[0].Ops.RemoveLabels)
}

func TestUnmarkImportantWithNoMatches(t *testing.T) {
	fake := gmailtest.New()
	e := newTestEngine(fake)

	st := e.RunMarkImportant(context.Background(), ImportantRequest{
		Senders:   []string{"a@x.com"},
		Important: false,
	})

	require.True(t, st.Done)
	require.Equal(t, 100, st.Progress)
	require.Zero(t, st.AffectedCount)
	require.Empty(t, st.Error)
	require.Empty(t, fake.Batches)
}

func TestMarkImportantAddsLabel(t *testing.T) {
	fake := gmailtest.New()
	fake.Results["from:a@x.com"] = gmailtest.IDs("a", 120)
	e := newTestEngine(fake)

	st := e.RunMarkImportant(context.Background(), ImportantRequest{Senders: []string{"a@x.com"}, Important: true})

	require.Empty(t, st.Error)
	require.Equal(t, 120, st.AffectedCount)
	require.Len(t, fake.Batches, 2)
	require.Equal(t, []gmail.LabelID{gmail.LabelImportant}, fake.Batches[0].Ops.AddLabels)
	require.Contains(t, st.Message, "marked as important")
}

func TestDeleteBySenderReportsFailedChunk(t *testing.T) {
	fake := gmailtest.New()
	fake.Results["from:bulk@x.com"] = gmailtest.IDs("d", 2500)
	fake.BatchErrs[1] = errors.New("quota exceeded")
	e := newTestEngine(fake)

	st := e.RunDeleteBySender(context.Background(), SendersRequest{Senders: []string{"bulk@x.com"}})

	require.True(t, st.Done)
	require.Equal(t, 1500, st.AffectedCount)
	require.Contains(t, st.Error, "chunk 2/3")
	require.Len(t, fake.Batches, 3)
	require.Equal(t, []gmail.LabelID{gmail.LabelTrash}, fake.Batches[0].Ops.AddLabels)
}

func TestDeleteBySenderDeduplicatesAcrossSenders(t *testing.T) {
	fake := gmailtest.New()
	fake.Results["from:a@x.com"] = []gmail.MessageID{"1", "2"}
	fake.Results["from:x.com"] = []gmail.MessageID{"2", "3"}
	e := newTestEngine(fake)

	st := e.RunDeleteBySender(context.Background(), SendersRequest{Senders: []string{"a@x.com", "x.com"}})

	require.Empty(t, st.Error)
	require.Equal(t, 3, st.AffectedCount)
	require.Equal(t, []gmail.MessageID{"1", "2", "3"}, fake.Modified())
}

func TestDeleteBulkSearchFailureIsFatal(t *testing.T) {
	fake := gmailtest.New()
	fake.ListErrs["older_than:1y"] = errors.New("boom")
	e := newTestEngine(fake)

	st := e.RunDeleteBulk(context.Background(), BulkRequest{Filter: query.Filter{OlderThan: "1y"}})

	require.True(t, st.Done)
	require.Contains(t, st.Error, "boom")
	require.False(t, strings.HasPrefix(st.Error, "Some errors"))
	require.Empty(t, fake.Batches)
}

func TestArchiveRemovesInbox(t *testing.T) {
	fake := gmailtest.New()
	fake.Results["in:inbox from:news@x.com"] = gmailtest.IDs("n", 3)
	e := newTestEngine(fake)

	st := e.RunArchive(context.Background(), SendersRequest{Senders: []string{"news@x.com"}})

	require.Empty(t, st.Error)
	require.Equal(t, 3, st.AffectedCount)
	require.Equal(t, []gmail.LabelID{gmail.LabelInbox}, fake.Batches[0].Ops.RemoveLabels)
}

type panickingClient struct {
	*gmailtest.Fake
}

func (panickingClient) List(context.Context, gmail.Query, string, int) (gmail.ListPage, error) {
	panic("provider exploded")
}

func TestPanicStillFinishesRun(t *testing.T) {
	e := NewEngine(StaticClient(panickingClient{gmailtest.New()}), nil, slogDiscard())

	st := e.RunArchive(context.Background(), SendersRequest{Senders: []string{"a@x.com"}})

	require.True(t, st.Done)
	require.Contains(t, st.Error, "provider exploded")
}

func TestStartDetachesFromTriggerContext(t *testing.T) {
	fake := gmailtest.New()
	fake.Results["from:a@x.com"] = gmailtest.IDs("a", 2)
	e := newTestEngine(fake)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx, progress.KindDeleteSenders, func(ctx context.Context) progress.Status {
		return e.RunDeleteBySender(ctx, SendersRequest{Senders: []string{"a@x.com"}})
	})
	cancel()
	e.Wait()

	st := e.Status(progress.KindDeleteSenders)
	require.True(t, st.Done)
	require.Empty(t, st.Error)
	require.Equal(t, 2, st.AffectedCount)
}

func TestDownloadStagesCSVOnce(t *testing.T) {
	fake := gmailtest.New()
	fake.Results["from:a@x.com"] = []gmail.MessageID{"m1", "m2"}
	fake.Metas["m1"] = gmail.MessageMeta{
		ID:       "m1",
		LabelIDs: []gmail.LabelID{"INBOX", "UNREAD"},
		Date:     time.Date(2024, time.March, 2, 10, 0, 0, 0, time.UTC),
		Headers: map[string]string{
			"From":    `"Alice" <A@X.com>`,
			"Subject": "=?UTF-8?Q?Caf=C3=A9?=",
		},
	}
	e := newTestEngine(fake)

	st := e.RunDownload(context.Background(), SendersRequest{Senders: []string{"a@x.com"}})

	require.True(t, st.Done)
	require.Equal(t, 1, st.AffectedCount)
	require.Contains(t, st.Error, "m2: ")

	data, ok := e.TakeCSV()
	require.True(t, ok)
	rows, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Equal(t, [][]string{
		CSVHeader,
		{"m1", `"Alice" <A@X.com>`, "a@x.com", "Café", "2024-03-02T10:00:00Z", "INBOX;UNREAD"},
	}, rows)

	_, ok = e.TakeCSV()
	require.False(t, ok)
}

func TestCSVFilename(t *testing.T) {
	at := time.Date(2024, time.January, 5, 13, 4, 5, 0, time.UTC)
	require.Equal(t, "emails-backup-2024-01-05-130405.csv", CSVFilename(at))
}

func TestScanRanksSubscriptionSenders(t *testing.T) {
	fake := gmailtest.New()
	fake.Results["in:inbox"] = []gmail.MessageID{"1", "2", "3"}
	unsub := map[string]string{"From": "news@x.com", "List-Unsubscribe": "<https://x.com/u>"}
	fake.Metas["1"] = gmail.MessageMeta{ID: "1", Headers: unsub}
	fake.Metas["2"] = gmail.MessageMeta{ID: "2", Headers: unsub}
	fake.Metas["3"] = gmail.MessageMeta{ID: "3", Headers: map[string]string{"From": "friend@y.org"}}
	e := newTestEngine(fake)

	st := e.RunScan(context.Background(), ScanRequest{})
	require.Empty(t, st.Error)
	subs := e.ScanResults(progress.KindScan)
	require.Len(t, subs, 1)
	require.Equal(t, "news@x.com", subs[0].Email)
	require.Equal(t, 2, subs[0].Count)

	st = e.RunDeleteScan(context.Background(), ScanRequest{Limit: 3})
	require.Empty(t, st.Error)
	all := e.ScanResults(progress.KindDeleteScan)
	require.Len(t, all, 2)

	rep := e.Report(progress.KindDeleteScan, 1)
	require.Equal(t, 3, rep.Total)
	require.Len(t, rep.Senders, 1)
}

func TestUnreadCount(t *testing.T) {
	fake := gmailtest.New()
	fake.Results[unreadQuery] = gmailtest.IDs("u", 501)
	e := newTestEngine(fake)

	fast, err := e.UnreadCount(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, UnreadCount{Count: "501"}, fast)

	exact, err := e.UnreadCount(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, UnreadCount{Count: "500+", Exact: true}, exact)
}

func TestLabelCRUD(t *testing.T) {
	fake := gmailtest.New()
	fake.Labels = []gmail.Label{
		{ID: "INBOX", Name: "INBOX", Type: gmail.LabelTypeSystem},
		{ID: "Label_2", Name: "zeta", Type: gmail.LabelTypeUser},
		{ID: "Label_3", Name: "Alpha", Type: gmail.LabelTypeUser},
	}
	e := newTestEngine(fake)
	ctx := context.Background()

	labels, err := e.ListLabels(ctx)
	require.NoError(t, err)
	require.Len(t, labels.System, 1)
	require.Equal(t, "Alpha", labels.User[0].Name)
	require.Equal(t, "zeta", labels.User[1].Name)

	_, err = e.CreateLabel(ctx, "  ")
	require.ErrorIs(t, err, ErrValidation)

	lbl, err := e.CreateLabel(ctx, "Receipts")
	require.NoError(t, err)
	require.Equal(t, "Receipts", lbl.Name)

	fake.CreateErr = gmail.ErrLabelExists
	_, err = e.CreateLabel(ctx, "Receipts")
	require.ErrorIs(t, err, gmail.ErrLabelExists)

	require.NoError(t, e.DeleteLabel(ctx, lbl.ID))
	require.ErrorIs(t, e.DeleteLabel(ctx, ""), ErrValidation)
}

func TestSummarize(t *testing.T) {
	require.Empty(t, summarize(nil))
	require.Equal(t, "Some errors: a; b", summarize([]string{"a", "b"}))
	require.Equal(t, "Some errors: a; b; c (and 2 more)", summarize([]string{"a", "b", "c", "d", "e"}))
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDownloadWithoutMatchesDropsEarlierExport(t *testing.T) {
	fake := gmailtest.New()
	fake.Results["from:a@x.com"] = []gmail.MessageID{"m1"}
	fake.Metas["m1"] = gmail.MessageMeta{ID: "m1", Headers: map[string]string{"From": "a@x.com"}}
	e := newTestEngine(fake)

	st := e.RunDownload(context.Background(), SendersRequest{Senders: []string{"a@x.com"}})
	require.Empty(t, st.Error)

	st = e.RunDownload(context.Background(), SendersRequest{Senders: []string{"nobody@x.com"}})
	require.Empty(t, st.Error)
	require.Equal(t, "No emails found to export", st.Message)
	_, ok := e.TakeCSV()
	require.False(t, ok, "a run that exported nothing must not serve an earlier export")
}

func TestRejectedDownloadDropsEarlierExport(t *testing.T) {
	fake := gmailtest.New()
	fake.Results["from:a@x.com"] = []gmail.MessageID{"m1"}
	fake.Metas["m1"] = gmail.MessageMeta{ID: "m1", Headers: map[string]string{"From": "a@x.com"}}
	e := newTestEngine(fake)

	require.Empty(t, e.RunDownload(context.Background(), SendersRequest{Senders: []string{"a@x.com"}}).Error)

	st := e.RunDownload(context.Background(), SendersRequest{})
	require.Contains(t, st.Error, "no senders specified")
	_, ok := e.TakeCSV()
	require.False(t, ok)
}

func TestStartKeepsOneRunID(t *testing.T) {
	fake := gmailtest.New()
	fake.Results["in:inbox from:a@x.com"] = gmailtest.IDs("a", 2)
	e := newTestEngine(fake)

	release := make(chan struct{})
	e.Start(context.Background(), progress.KindArchive, func(ctx context.Context) progress.Status {
		<-release
		return e.RunArchive(ctx, SendersRequest{Senders: []string{"a@x.com"}})
	})
	started := e.Status(progress.KindArchive)
	require.True(t, started.Running())
	require.NotEmpty(t, started.RunID)

	close(release)
	e.Wait()

	final := e.Status(progress.KindArchive)
	require.True(t, final.Done)
	require.Empty(t, final.Error)
	require.Equal(t, started.RunID, final.RunID)
}

func TestDirectRunsGetFreshRunIDs(t *testing.T) {
	e := newTestEngine(gmailtest.New())

	first := e.RunArchive(context.Background(), SendersRequest{Senders: []string{"a@x.com"}})
	second := e.RunArchive(context.Background(), SendersRequest{Senders: []string{"a@x.com"}})

	require.NotEmpty(t, first.RunID)
	require.NotEqual(t, first.RunID, second.RunID)
}

// progressRecorder snapshots an operation's progress at every provider call.
type progressRecorder struct {
	*gmailtest.Fake
	status  func() progress.Status
	lists   []int
	batches []int
}

func (p *progressRecorder) List(ctx context.Context, q gmail.Query, token string, size int) (gmail.ListPage, error) {
	p.lists = append(p.lists, p.status().Progress)
	return p.Fake.List(ctx, q, token, size)
}

func (p *progressRecorder) BatchModify(ctx context.Context, ids []gmail.MessageID, ops gmail.ModifyOps) error {
	p.batches = append(p.batches, p.status().Progress)
	return p.Fake.BatchModify(ctx, ids, ops)
}

func TestDeleteBySenderProgressPhases(t *testing.T) {
	fake := gmailtest.New()
	fake.Results["from:a@x.com"] = gmailtest.IDs("a", 2500)
	rec := &progressRecorder{Fake: fake}
	e := NewEngine(StaticClient(rec), rate.Unlimited{}, slogDiscard())
	e.Sleep = func(context.Context, time.Duration) error { return nil }
	rec.status = func() progress.Status { return e.Status(progress.KindDeleteSenders) }

	st := e.RunDeleteBySender(context.Background(), SendersRequest{
		Senders: []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com"},
	})

	require.Empty(t, st.Error)
	require.Equal(t, 100, st.Progress)
	// Discovery spans 0-40: a@x.com pages five times at 0, then one
	// search per remaining sender.
	require.Equal(t, []int{0, 0, 0, 0, 0, 10, 20, 30}, rec.lists)
	// Mutation spans 40-100 over three chunks of at most 1000 ids.
	require.Equal(t, []int{40, 64, 88}, rec.batches)
}
