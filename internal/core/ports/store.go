package ports

import "context"

// Document is one raw entry in a store collection.
type Document struct {
	ID   string
	Data []byte
}

type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeModified
	ChangeRemoved
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	default:
		return "removed"
	}
}

// Change is one change-feed event for a collection.
type Change struct {
	Type ChangeType
	Doc  Document
}

// Subscription is a live change-feed registration. Unsubscribe is idempotent;
// after it returns no further callbacks fire.
type Subscription interface {
	Unsubscribe()
}

// Store is the shared, eventually-consistent document store the room
// coordinates through. Collections are flat namespaces of JSON documents.
//
// Subscribe delivers the current collection contents as ChangeAdded events
// (snapshot replay) followed by incremental changes. Delivery is at-least-once
// with no ordering guarantee across collections; consumers must be idempotent.
type Store interface {
	// Set creates or overwrites a document (last write wins).
	Set(ctx context.Context, collection, id string, value any) error
	// Delete removes a document; deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error
	// Append adds a document under a generated id and returns that id.
	Append(ctx context.Context, collection string, value any) (string, error)
	// List returns the current contents of a collection.
	List(ctx context.Context, collection string) ([]Document, error)
	// Subscribe registers fn for changes to a collection.
	Subscribe(ctx context.Context, collection string, fn func(Change)) (Subscription, error)
	Close() error
}
