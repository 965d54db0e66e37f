package gmail

import "errors"

// Errors the Client adapter maps provider responses onto.
var (
	ErrLabelExists   = errors.New("a label with this name already exists")
	ErrLabelNotFound = errors.New("label not found")
	ErrSystemLabel   = errors.New("cannot delete system labels")
)
