package flow

import (
	"context"

	"github.com/pitabwire/workorder/model"
)

// Store persists flows and the aggregates their tasks touch. Writes happen
// only through a UnitOfWork.
type Store interface {
	// Begin opens a transaction. The returned UnitOfWork must be finished
	// with exactly one of Commit or Rollback.
	Begin(ctx context.Context) (UnitOfWork, error)

	// Get retrieves a committed flow by ID. Returns NOT_FOUND if absent.
	Get(ctx context.Context, flowID string) (model.Flow, error)

	// List returns committed flows matching the filters, newest first.
	List(ctx context.Context, filters model.FlowFilters) ([]model.Flow, error)

	// Events returns a flow's audit trail in commit order.
	Events(ctx context.Context, flowID string) ([]model.FlowEvent, error)

	// User retrieves a committed user by ID.
	User(ctx context.Context, userID string) (model.User, error)

	// Ledger returns a user's points ledger in creation order.
	Ledger(ctx context.Context, userID string) ([]model.Detail, error)
}

// UnitOfWork is the transaction-scoped repository handed to tasks. Reads
// observe the transaction's own writes. Nothing is visible to other callers
// until Commit.
type UnitOfWork interface {
	// LockFlow reads a flow and takes an exclusive lock on it for the rest
	// of the transaction. It does not wait: a flow locked by another
	// transaction yields CONFLICT.
	LockFlow(ctx context.Context, flowID string) (model.Flow, error)

	// FindFlow reads a flow as seen by this transaction.
	FindFlow(ctx context.Context, flowID string) (model.Flow, error)

	// CreateFlow inserts a new flow with version 1.
	CreateFlow(ctx context.Context, flow *model.Flow) error

	// SaveFlow updates a flow. flow.Version must equal the stored version;
	// on success it is incremented in place. A mismatch yields CONFLICT.
	SaveFlow(ctx context.Context, flow *model.Flow) error

	// FindUser reads a user and locks it until the transaction ends,
	// waiting for competing transactions.
	FindUser(ctx context.Context, userID string) (model.User, error)

	// SaveUser updates a user previously read with FindUser.
	SaveUser(ctx context.Context, user model.User) error

	// FindSubject reads the subject entity a flow targets.
	FindSubject(ctx context.Context, subjectID string) (model.Subject, error)

	// AppendDetail inserts a ledger entry.
	AppendDetail(ctx context.Context, detail model.Detail) error

	// AppendEvent inserts an audit event.
	AppendEvent(ctx context.Context, event model.FlowEvent) error

	// Commit makes every write visible atomically and releases locks.
	Commit(ctx context.Context) error

	// Rollback discards every write and releases locks. It is safe to call
	// after Commit, in which case it does nothing.
	Rollback(ctx context.Context) error
}
