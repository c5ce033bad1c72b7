// ABOUTME: DataStore interface and data types for bot conversation state persistence
// ABOUTME: Defines Address, StoreType, DataRecord and the store error taxonomy

package state

import (
	"context"
	"errors"
)

// ErrStorageUnavailable is returned when the backing medium is unreachable
// or aborts an operation. The underlying cause is wrapped alongside it.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrConcurrencyConflict is returned by strict-mode saves when the caller's
// eTag no longer matches the stored row. The caller must reload and decide.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// ErrCancelled is returned when a cancellation signal preempts an operation
// before its commit point.
var ErrCancelled = errors.New("operation cancelled")

// ErrInvalidScope is returned when an Address is missing a field required
// by the requested store type's lookup predicate.
var ErrInvalidScope = errors.New("invalid scope")

// ETagAny is the force-overwrite sentinel: a save carrying it ignores
// whatever version is currently persisted.
const ETagAny = "*"

// Address identifies a (bot, channel, conversation, user, service endpoint)
// tuple. It is a lookup key only; addresses are never persisted as objects,
// just their component fields.
type Address struct {
	BotID          string
	ChannelID      string
	ConversationID string
	UserID         string
	ServiceURL     string
}

// StoreType discriminates the three state scopes a bot turn works with.
type StoreType string

const (
	// UserData is state shared across every conversation with one user.
	UserData StoreType = "user"
	// ConversationData is state shared by all participants of one conversation.
	ConversationData StoreType = "conversation"
	// PrivateConversationData is state private to one user within one conversation.
	PrivateConversationData StoreType = "private_conversation"
)

// Valid reports whether st is one of the three known store types.
func (st StoreType) Valid() bool {
	switch st {
	case UserData, ConversationData, PrivateConversationData:
		return true
	}
	return false
}

// scopeFields returns the Address fields that participate in st's lookup
// predicate, in predicate order. Returns ErrInvalidScope if a required
// field is empty.
func (st StoreType) scopeFields(addr Address) ([]string, error) {
	var fields []string
	switch st {
	case ConversationData:
		fields = []string{addr.ChannelID, addr.ConversationID}
	case UserData:
		fields = []string{addr.ChannelID, addr.UserID}
	case PrivateConversationData:
		fields = []string{addr.ChannelID, addr.ConversationID, addr.UserID}
	default:
		return nil, errInvalidScope("unknown store type %q", string(st))
	}
	for _, f := range fields {
		if f == "" {
			return nil, errInvalidScope("address is missing a field required for %s lookup", string(st))
		}
	}
	return fields, nil
}

// DataRecord is the versioned payload unit handed back and forth across the
// store boundary. Data is nil when no state exists for the scope. An empty
// ETag is only ever produced by a load that found no row; ETagAny forces an
// unconditional overwrite on save.
type DataRecord struct {
	Data any
	ETag string
}

// DataStore is the persistence contract shared by the SQLite store, the
// caching decorator, and the in-memory mock.
//
// Load never fails for "not found": a scope with no stored state yields
// {Data: nil, ETag: ""}. Save persists the record under the
// optimistic-concurrency protocol and, on success, updates rec.ETag in
// place to the newly assigned tag (empty after a delete). Flush forces any
// buffered writes for all scopes of addr to the next layer; synchronous
// implementations return true without doing work.
type DataStore interface {
	Load(ctx context.Context, addr Address, st StoreType) (*DataRecord, error)
	Save(ctx context.Context, addr Address, st StoreType, rec *DataRecord) error
	Flush(ctx context.Context, addr Address) (bool, error)

	// Close releases any resources held by the store
	Close() error
}
