package ops

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/joshsymonds/mailsweep/internal/gmail"
	"github.com/joshsymonds/mailsweep/internal/rate"
)

// unreadQuery is what "unread" means for the mailbox counter.
const unreadQuery = "is:unread in:inbox"

// exactCountCap bounds an exact unread count.
const exactCountCap = gmail.MaxPageSize

// Labels splits the mailbox's labels by owner.
type Labels struct {
	System []gmail.Label `json:"system_labels"`
	User   []gmail.Label `json:"user_labels"`
}

// UnreadCount is the answer to an unread-count query.
type UnreadCount struct {
	Count string `json:"count"`
	Exact bool   `json:"exact"`
}

// UnreadCount counts unread inbox messages. The fast path trusts the
// provider's estimate; exact mode pages up to exactCountCap ids.
func (e *Engine) UnreadCount(ctx context.Context, exact bool) (UnreadCount, error) {
	client, err := e.client(ctx)
	if err != nil {
		return UnreadCount{}, err
	}
	s := e.searcher(client)
	q := gmail.Query{Raw: unreadQuery}
	if !exact {
		n, err := s.Estimate(ctx, q)
		if err != nil {
			return UnreadCount{}, fmt.Errorf("estimate unread: %w", err)
		}
		return UnreadCount{Count: fmt.Sprint(n)}, nil
	}
	c, err := s.Count(ctx, q, exactCountCap)
	if err != nil {
		return UnreadCount{}, fmt.Errorf("count unread: %w", err)
	}
	return UnreadCount{Count: c.String(), Exact: true}, nil
}

// ListLabels returns system labels in provider order and user labels sorted
// case-insensitively by name.
func (e *Engine) ListLabels(ctx context.Context) (Labels, error) {
	client, err := e.client(ctx)
	if err != nil {
		return Labels{}, err
	}
	if err := rate.Wait(ctx, e.Limiter, "rate limit labels"); err != nil {
		return Labels{}, err
	}
	all, err := client.ListLabels(ctx)
	if err != nil {
		return Labels{}, fmt.Errorf("list labels: %w", err)
	}
	out := Labels{System: []gmail.Label{}, User: []gmail.Label{}}
	for _, l := range all {
		if l.Type == gmail.LabelTypeSystem {
			out.System = append(out.System, l)
		} else {
			out.User = append(out.User, l)
		}
	}
	sort.SliceStable(out.User, func(i, j int) bool {
		return strings.ToLower(out.User[i].Name) < strings.ToLower(out.User[j].Name)
	})
	return out, nil
}

// CreateLabel creates a user label named name.
func (e *Engine) CreateLabel(ctx context.Context, name string) (gmail.Label, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return gmail.Label{}, invalidf("label name is required")
	}
	client, err := e.client(ctx)
	if err != nil {
		return gmail.Label{}, err
	}
	if err := rate.Wait(ctx, e.Limiter, "rate limit labels"); err != nil {
		return gmail.Label{}, err
	}
	lbl, err := client.CreateLabel(ctx, name)
	if err != nil {
		return gmail.Label{}, fmt.Errorf("create label %q: %w", name, err)
	}
	e.logger().InfoContext(ctx, "label created", "id", lbl.ID, "name", lbl.Name)
	return lbl, nil
}

// DeleteLabel deletes a user label.
func (e *Engine) DeleteLabel(ctx context.Context, id gmail.LabelID) error {
	if strings.TrimSpace(string(id)) == "" {
		return invalidf("label id is required")
	}
	client, err := e.client(ctx)
	if err != nil {
		return err
	}
	if err := rate.Wait(ctx, e.Limiter, "rate limit labels"); err != nil {
		return err
	}
	if err := client.DeleteLabel(ctx, id); err != nil {
		return fmt.Errorf("delete label %s: %w", id, err)
	}
	e.logger().InfoContext(ctx, "label deleted", "id", id)
	return nil
}
