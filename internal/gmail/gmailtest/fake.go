// Package gmailtest provides an in-memory gmail.Client for tests.
package gmailtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/joshsymonds/mailsweep/internal/gmail"
)

// ListCall records one List invocation.
type ListCall struct {
	Query     gmail.Query
	PageToken string
	PageSize  int
}

// BatchCall records one BatchModify invocation.
type BatchCall struct {
	IDs []gmail.MessageID
	Ops gmail.ModifyOps
}

// Fake serves search results keyed by query and records every call.
// Page tokens are string offsets into the result slice.
type Fake struct {
	mu sync.Mutex

	// Results maps Key(query) to the ids it matches.
	Results map[string][]gmail.MessageID
	// ListErrs fails every List call for Key(query).
	ListErrs map[string]error
	// BatchErrs fails the n-th (0-based) BatchModify call.
	BatchErrs map[int]error
	Metas     map[gmail.MessageID]gmail.MessageMeta
	Labels    []gmail.Label
	// CreateErr and DeleteErr are returned by the label calls when set.
	CreateErr error
	DeleteErr error

	Lists      []ListCall
	Batches    []BatchCall
	MetaCalls  int
	LabelCalls int
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		Results:   map[string][]gmail.MessageID{},
		ListErrs:  map[string]error{},
		BatchErrs: map[int]error{},
		Metas:     map[gmail.MessageID]gmail.MessageMeta{},
	}
}

// Key identifies a query in Results and ListErrs.
func Key(q gmail.Query) string {
	if len(q.LabelIDs) == 0 {
		return q.Raw
	}
	ids := make([]string, 0, len(q.LabelIDs))
	for _, id := range q.LabelIDs {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	return q.Raw + "|" + strings.Join(ids, ",")
}

// IDs returns n ids named prefix-0000...
func IDs(prefix string, n int) []gmail.MessageID {
	out := make([]gmail.MessageID, n)
	for i := range out {
		out[i] = gmail.MessageID(fmt.Sprintf("%s-%04d", prefix, i))
	}
	return out
}

// Calls returns the total number of provider calls observed.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Lists) + len(f.Batches) + f.MetaCalls + f.LabelCalls
}

// Modified returns every id passed to BatchModify, in call order.
func (f *Fake) Modified() []gmail.MessageID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gmail.MessageID
	for _, b := range f.Batches {
		out = append(out, b.IDs...)
	}
	return out
}

func (f *Fake) List(
	ctx context.Context,
	q gmail.Query,
	pageToken string,
	pageSize int,
) (gmail.ListPage, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Lists = append(f.Lists, ListCall{Query: q, PageToken: pageToken, PageSize: pageSize})
	key := Key(q)
	if err := f.ListErrs[key]; err != nil {
		return gmail.ListPage{}, err
	}
	all := f.Results[key]
	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return gmail.ListPage{}, fmt.Errorf("bad page token %q", pageToken)
		}
		offset = n
	}
	if pageSize <= 0 {
		return gmail.ListPage{}, errors.New("page size must be positive")
	}
	end := offset + pageSize
	if end > len(all) {
		end = len(all)
	}
	page := gmail.ListPage{
		IDs:                append([]gmail.MessageID(nil), all[offset:end]...),
		ResultSizeEstimate: int64(len(all)),
	}
	if end < len(all) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (f *Fake) GetMetadata(
	ctx context.Context,
	id gmail.MessageID,
	headers []string,
) (gmail.MessageMeta, error) {
	_ = ctx
	_ = headers
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MetaCalls++
	meta, ok := f.Metas[id]
	if !ok {
		return gmail.MessageMeta{}, fmt.Errorf("message %s not found", id)
	}
	return meta, nil
}

func (f *Fake) BatchModify(ctx context.Context, ids []gmail.MessageID, ops gmail.ModifyOps) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.Batches)
	f.Batches = append(f.Batches, BatchCall{IDs: append([]gmail.MessageID(nil), ids...), Ops: ops})
	return f.BatchErrs[n]
}

func (f *Fake) ListLabels(ctx context.Context) ([]gmail.Label, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LabelCalls++
	return append([]gmail.Label(nil), f.Labels...), nil
}

func (f *Fake) CreateLabel(ctx context.Context, name string) (gmail.Label, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LabelCalls++
	if f.CreateErr != nil {
		return gmail.Label{}, f.CreateErr
	}
	lbl := gmail.Label{
		ID:   gmail.LabelID(fmt.Sprintf("Label_%d", len(f.Labels)+1)),
		Name: name,
		Type: gmail.LabelTypeUser,
	}
	f.Labels = append(f.Labels, lbl)
	return lbl, nil
}

func (f *Fake) DeleteLabel(ctx context.Context, id gmail.LabelID) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LabelCalls++
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	for i, lbl := range f.Labels {
		if lbl.ID == id {
			f.Labels = append(f.Labels[:i], f.Labels[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("label %s not found", id)
}

func (f *Fake) EnsureLabel(ctx context.Context, name string) (gmail.LabelID, error) {
	f.mu.Lock()
	for _, lbl := range f.Labels {
		if lbl.Name == name {
			f.mu.Unlock()
			return lbl.ID, nil
		}
	}
	f.mu.Unlock()
	lbl, err := f.CreateLabel(ctx, name)
	if err != nil {
		return "", err
	}
	return lbl.ID, nil
}

var _ gmail.Client = (*Fake)(nil)
