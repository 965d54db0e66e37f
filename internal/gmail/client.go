package gmail

import "context"

// Client is the narrow Gmail surface required by mailsweep.
type Client interface {
	List(ctx context.Context, q Query, pageToken string, pageSize int) (ListPage, error)
	GetMetadata(ctx context.Context, id MessageID, headers []string) (MessageMeta, error)
	BatchModify(ctx context.Context, ids []MessageID, ops ModifyOps) error
	ListLabels(ctx context.Context) ([]Label, error)
	CreateLabel(ctx context.Context, name string) (Label, error)
	DeleteLabel(ctx context.Context, id LabelID) error
	EnsureLabel(ctx context.Context, name string) (LabelID, error)
}
