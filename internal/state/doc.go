// Package state provides pluggable persistence for bot conversation state.
//
// # Architecture
//
// A bot turn works with three scoped data bags: user data, conversation
// data, and private (per-user-per-conversation) data. This package defines
// one contract for persisting them and three implementations:
//
//   - DataStore: the load/save/flush contract keyed by (Address, StoreType)
//   - SQLiteStore: durable implementation with an append-only row history
//     and the optimistic-concurrency save protocol
//   - CachingStore: in-memory decorator that coalesces a turn's writes and
//     writes them back on flush under a consistency policy
//   - MockStore: in-memory implementation for tests
//
// # Save protocol
//
// Every record carries an eTag. An empty eTag means the scope was never
// saved; the force tag "*" overwrites unconditionally; any other value is
// the version the caller last saw. The persistent store re-resolves the
// current row on each save and overwrites, inserts, or deletes depending
// on the branch. Racing first-writers both insert, and the row with the
// greatest timestamp wins on the next read.
//
// By default a save with a specific eTag trusts the caller's version.
// WithStrictConcurrency turns on a real compare step that fails with
// ErrConcurrencyConflict when the stored eTag differs.
//
// # Consistency policies
//
// CachingStore is constructed with one of two policies:
//
//   - LastWriteWins: flush with "*", always overwriting concurrent writers
//   - ExclusiveOptimisticConcurrency: flush with the last-seen eTag and
//     propagate conflicts to the caller
//
// # Error Handling
//
// Sentinel errors, matchable with errors.Is:
//
//   - ErrStorageUnavailable: medium unreachable or transaction aborted
//   - ErrConcurrencyConflict: strict-mode version mismatch
//   - ErrCancelled: context cancelled before the commit point
//   - ErrInvalidScope: address missing a field the scope predicate needs
//
// A scope with no stored state is not an error: Load returns {nil, ""}.
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests; it implements the full protocol and
// counts Load/Save calls. Use NewSQLiteStore with a t.TempDir() path for
// integration tests with real SQLite.
package state
