// Package runtime wires the Gmail REST API and process-level defaults into
// the rest of mailsweep.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bradenaw/juniper/xslices"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	gc "github.com/joshsymonds/mailsweep/internal/gmail"
)

const me = "me"

type googleClient struct{ svc *gmail.Service }

// NewGoogleAPIClient adapts svc to gc.Client.
func NewGoogleAPIClient(svc *gmail.Service) gc.Client { return &googleClient{svc} }

func (g *googleClient) List(ctx context.Context, q gc.Query, pageToken string, pageSize int) (gc.ListPage, error) {
	call := g.svc.Users.Messages.List(me).MaxResults(int64(pageSize))
	if q.Raw != "" {
		call = call.Q(q.Raw)
	}
	if len(q.LabelIDs) > 0 {
		call = call.LabelIds(labelStrings(q.LabelIDs)...)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Context(ctx).Do()
	if err != nil {
		return gc.ListPage{}, err
	}
	return gc.ListPage{
		IDs:                xslices.Map(res.Messages, func(m *gmail.Message) gc.MessageID { return gc.MessageID(m.Id) }),
		NextPageToken:      res.NextPageToken,
		ResultSizeEstimate: res.ResultSizeEstimate,
	}, nil
}

func (g *googleClient) GetMetadata(ctx context.Context, id gc.MessageID, headers []string) (gc.MessageMeta, error) {
	msg, err := g.svc.Users.Messages.Get(me, string(id)).
		Format("metadata").
		MetadataHeaders(headers...).
		Context(ctx).
		Do()
	if err != nil {
		return gc.MessageMeta{}, err
	}
	h := map[string]string{}
	if msg.Payload != nil {
		for _, hd := range msg.Payload.Headers {
			if _, ok := h[hd.Name]; !ok {
				h[hd.Name] = hd.Value
			}
		}
	}
	meta := gc.MessageMeta{
		ID:       id,
		Headers:  h,
		LabelIDs: xslices.Map(msg.LabelIds, func(s string) gc.LabelID { return gc.LabelID(s) }),
	}
	if msg.InternalDate > 0 {
		meta.Date = time.UnixMilli(msg.InternalDate).UTC()
	}
	return meta, nil
}

func (g *googleClient) BatchModify(ctx context.Context, ids []gc.MessageID, ops gc.ModifyOps) error {
	req := &gmail.BatchModifyMessagesRequest{
		Ids: xslices.Map(ids, func(id gc.MessageID) string { return string(id) }),
	}
	if len(ops.AddLabels) > 0 {
		req.AddLabelIds = labelStrings(ops.AddLabels)
	}
	if len(ops.RemoveLabels) > 0 {
		req.RemoveLabelIds = labelStrings(ops.RemoveLabels)
	}
	return g.svc.Users.Messages.BatchModify(me, req).Context(ctx).Do()
}

func (g *googleClient) ListLabels(ctx context.Context) ([]gc.Label, error) {
	lr, err := g.svc.Users.Labels.List(me).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return xslices.Map(lr.Labels, toLabel), nil
}

func (g *googleClient) CreateLabel(ctx context.Context, name string) (gc.Label, error) {
	created, err := g.svc.Users.Labels.Create(me, &gmail.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err != nil {
		return gc.Label{}, classifyCreate(err)
	}
	return toLabel(created), nil
}

func (g *googleClient) DeleteLabel(ctx context.Context, id gc.LabelID) error {
	if err := g.svc.Users.Labels.Delete(me, string(id)).Context(ctx).Do(); err != nil {
		return classifyDelete(err)
	}
	return nil
}

func (g *googleClient) EnsureLabel(ctx context.Context, name string) (gc.LabelID, error) {
	labels, err := g.ListLabels(ctx)
	if err != nil {
		return "", err
	}
	for _, l := range labels {
		if l.Name == name {
			return l.ID, nil
		}
	}
	created, err := g.CreateLabel(ctx, name)
	if err != nil {
		return "", fmt.Errorf("create label %q: %w", name, err)
	}
	return created.ID, nil
}

func toLabel(l *gmail.Label) gc.Label {
	typ := gc.LabelTypeUser
	if l.Type == "system" {
		typ = gc.LabelTypeSystem
	}
	return gc.Label{ID: gc.LabelID(l.Id), Name: l.Name, Type: typ}
}

func labelStrings(ids []gc.LabelID) []string {
	return xslices.Map(ids, func(id gc.LabelID) string { return string(id) })
}

// StatusCode returns the HTTP status of a Gmail API error, or 0.
func StatusCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func classifyCreate(err error) error {
	if StatusCode(err) == http.StatusConflict || strings.Contains(strings.ToLower(err.Error()), "exists") {
		return fmt.Errorf("%w: %w", gc.ErrLabelExists, err)
	}
	return err
}

func classifyDelete(err error) error {
	switch StatusCode(err) {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", gc.ErrLabelNotFound, err)
	case http.StatusBadRequest, http.StatusForbidden:
		return fmt.Errorf("%w: %w", gc.ErrSystemLabel, err)
	}
	return err
}

var _ gc.Client = (*googleClient)(nil)
