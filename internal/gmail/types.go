package gmail

import "time"

// MessageID is an opaque Gmail message identifier.
type MessageID string

// LabelID is an opaque Gmail label identifier.
type LabelID string

// System label ids that bulk operations add or remove.
const (
	LabelInbox     LabelID = "INBOX"
	LabelUnread    LabelID = "UNREAD"
	LabelImportant LabelID = "IMPORTANT"
	LabelTrash     LabelID = "TRASH"
)

// MaxPageSize is the largest page messages.list will return.
const MaxPageSize = 500

// MessageMeta is the headers-only view of a message.
type MessageMeta struct {
	ID       MessageID
	LabelIDs []LabelID
	Headers  map[string]string // From, Subject, Date, List-Unsubscribe, ...
	Date     time.Time
}

// ModifyOps describes a batchModify request body.
type ModifyOps struct {
	AddLabels    []LabelID
	RemoveLabels []LabelID
}

// Query is a messages.list filter.
type Query struct {
	Raw      string    // Gmail search grammar, e.g. `is:unread from:(a@x.com OR b@y.com)`
	LabelIDs []LabelID // restricts results to messages carrying every id
}

// ListPage is one page of messages.list results.
type ListPage struct {
	IDs                []MessageID
	NextPageToken      string
	ResultSizeEstimate int64
}

// LabelType distinguishes Gmail-owned labels from user labels.
type LabelType string

const (
	LabelTypeSystem LabelType = "system"
	LabelTypeUser   LabelType = "user"
)

// Label is a Gmail label.
type Label struct {
	ID   LabelID   `json:"id"`
	Name string    `json:"name"`
	Type LabelType `json:"type"`
}
