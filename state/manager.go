package state

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/twinsync/internal/dispatch"
)

// A Listener is notified once for every committed transaction that changed the
// state. It receives private copies of the new and previous states and the
// changes in the order they were made.
//
// Listeners are called in commit order, one commit at a time, and in
// registration order within a commit. They are called after the Manager
// released its lock: a Listener may read the state or start a transaction of its
// own, passing on the context it was given. The update of such a nested commit
// is delivered once the current one reached every Listener. A Listener that
// fails or panics does not affect the commit nor the other Listeners.
type Listener interface {
	OnStateUpdate(ctx context.Context, next, prev State, changes []Change) error
}

// ListenerFunc adapts an ordinary function into a Listener.
type ListenerFunc func(ctx context.Context, next, prev State, changes []Change) error

func (f ListenerFunc) OnStateUpdate(ctx context.Context, next, prev State, changes []Change) error {
	return f(ctx, next, prev, changes)
}

// A Notifier receives the event notifications of a twin.
type Notifier interface {
	OnEventNotification(ctx context.Context, n EventNotification) error
}

// NotifierFunc adapts an ordinary function into a Notifier.
type NotifierFunc func(ctx context.Context, n EventNotification) error

func (f NotifierFunc) OnEventNotification(ctx context.Context, n EventNotification) error {
	return f(ctx, n)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the clock the Manager stamps commits with.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithListener registers a Listener at construction time.
func WithListener(l Listener) Option {
	return func(m *Manager) { m.listeners = append(m.listeners, l) }
}

// WithNotifier registers a Notifier at construction time.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifiers = append(m.notifiers, n) }
}

// Manager owns the State of a single twin. All writes go through transactions;
// at most one transaction is open at any time.
//
// The Manager offers two ways to write. Begin returns a Tx handle that owns its
// transaction, and Update wraps a function in one, waiting for the open
// transaction (if any) to end first. The StartTransaction family drives a
// transaction without a handle, which suits callers that do not pass one
// around; its mutators never reach a transaction owned by a handle.
type Manager struct {
	twinID string
	now    func() time.Time
	slot   chan struct{} // Holds a token while a transaction is open.
	queue  dispatch.Queue

	mu        sync.Mutex // Guards all fields below.
	committed State
	open      *Tx
	listeners []Listener
	notifiers []Notifier
}

// NewManager returns a Manager holding the empty state of the given twin.
func NewManager(twinID string, opts ...Option) *Manager {
	m := &Manager{twinID: twinID, now: time.Now, slot: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TwinID returns the id of the twin whose state m manages.
func (m *Manager) TwinID() string { return m.twinID }

// AddListener registers l to be notified of every subsequent commit.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// AddNotifier registers n to receive every subsequent event notification.
func (m *Manager) AddNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, n)
}

// State returns a copy of the last committed state. It never reflects the
// pending mutations of an open transaction.
func (m *Manager) State(context.Context) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed.Clone()
}

// Begin opens a transaction. It fails immediately with ErrTransactionOpen when
// another transaction is already open.
func (m *Manager) Begin(ctx context.Context) (*Tx, error) {
	return m.begin(false)
}

func (m *Manager) begin(unowned bool) (*Tx, error) {
	select {
	case m.slot <- struct{}{}:
	default:
		return nil, &TransactionError{Op: "begin", TwinID: m.twinID, Err: ErrTransactionOpen}
	}
	return m.openTx(unowned), nil
}

// openTx opens a transaction. The caller acquired the slot.
func (m *Manager) openTx(unowned bool) *Tx {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = &Tx{m: m, working: m.committed.Clone(), started: time.Now(), unowned: unowned}
	return m.open
}

// Update runs fn inside a new transaction and commits it. If another
// transaction is open, Update waits for it to end, or for ctx to be done. If fn
// returns an error, the transaction is rolled back (unless a failed mutation
// already aborted it) and the error is returned.
//
// Calling Update from within fn, or while holding a transaction opened by the
// same caller, waits until ctx is done.
func (m *Manager) Update(ctx context.Context, fn func(tx *Tx) error) error {
	select {
	case m.slot <- struct{}{}:
	case <-ctx.Done():
		return &TransactionError{Op: "begin", TwinID: m.twinID, Err: ctx.Err()}
	}
	tx := m.openTx(false)
	if err := fn(tx); err != nil {
		// The transaction may have been aborted by the failing mutation already.
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// StartTransaction opens a transaction that the Manager's own mutators operate
// on. Like Begin, it fails immediately with ErrTransactionOpen when another
// transaction is already open.
func (m *Manager) StartTransaction(ctx context.Context) error {
	_, err := m.begin(true)
	return err
}

// CommitTransaction commits the open transaction.
func (m *Manager) CommitTransaction(ctx context.Context) error {
	tx, err := m.current("commit")
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RollbackTransaction discards the open transaction.
func (m *Manager) RollbackTransaction(ctx context.Context) error {
	tx, err := m.current("rollback")
	if err != nil {
		return err
	}
	return tx.Rollback(ctx)
}

func (m *Manager) current(op string) (*Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.open == nil:
		return nil, &TransactionError{Op: op, TwinID: m.twinID, Err: ErrNoTransaction}
	case !m.open.unowned:
		return nil, &TransactionError{Op: op, TwinID: m.twinID, Err: ErrTransactionOwned}
	}
	return m.open, nil
}

// apply runs a mutation against the transaction opened by StartTransaction.
func (m *Manager) apply(mut mutation) error {
	tx, err := m.current(mut.op)
	if err != nil {
		return err
	}
	return tx.apply(mut)
}

func (m *Manager) CreateProperty(p Property) error { return m.apply(createProperty(p)) }
func (m *Manager) UpdateProperty(p Property) error { return m.apply(updateProperty(p)) }
func (m *Manager) DeleteProperty(key string) error { return m.apply(deleteProperty(key)) }
func (m *Manager) EnableAction(a Action) error { return m.apply(enableAction(a)) }
func (m *Manager) UpdateAction(a Action) error { return m.apply(updateAction(a)) }
func (m *Manager) DisableAction(key string) error { return m.apply(disableAction(key)) }
func (m *Manager) RegisterEvent(e EventDecl) error { return m.apply(registerEvent(e)) }
func (m *Manager) UpdateEvent(e EventDecl) error { return m.apply(updateEvent(e)) }
func (m *Manager) DeregisterEvent(key string) error { return m.apply(deregisterEvent(key)) }
func (m *Manager) CreateRelationship(r Relationship) error { return m.apply(createRelationship(r)) }
func (m *Manager) DeleteRelationship(name string) error { return m.apply(deleteRelationship(name)) }

// UpdatePropertyValue replaces the value of an existing property, keeping its
// other attributes.
func (m *Manager) UpdatePropertyValue(key string, value any) error {
	return m.apply(updatePropertyValue(key, value))
}

// AddRelationshipInstance adds an instance to an existing relationship. An
// empty instance key defaults to the target id.
func (m *Manager) AddRelationshipInstance(inst RelationshipInstance) error {
	return m.apply(addRelationshipInstance(inst))
}

func (m *Manager) DeleteRelationshipInstance(relationship, key string) error {
	return m.apply(deleteRelationshipInstance(relationship, key))
}

// NotifyEvent delivers a notification about a registered event to every
// Notifier. It does not change the state. Notifying about an event that is not
// registered in the committed state fails with ErrNotFound.
func (m *Manager) NotifyEvent(ctx context.Context, key string, body any) error {
	m.mu.Lock()
	if !m.committed.ContainsEvent(key) {
		m.mu.Unlock()
		return &Error{Op: "notify event", Resource: ResourceEvent, Key: key, Err: ErrNotFound}
	}
	notifiers := slices.Clone(m.notifiers)
	m.mu.Unlock()

	n := EventNotification{Key: key, Body: body, Timestamp: m.now()}
	for _, notifier := range notifiers {
		if err := safeNotify(ctx, notifier, n); err != nil {
			component.Logger(ctx).Error("Event notifier failed",
				slog.String("twin-id", m.twinID),
				slog.String("event-key", key),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

// Tx is an open transaction of a Manager. Its methods are safe for concurrent
// use, and mutations apply in the order the calls are made.
//
// Once a Tx is committed, rolled back or aborted by a failed mutation, every
// further call fails with ErrTransactionClosed.
type Tx struct {
	m       *Manager
	started time.Time
	unowned bool // Opened by StartTransaction, driven through the Manager.
	// Guarded by m.mu.
	working State
	changes []Change
	closed  bool
}

// State returns a copy of the transaction's own view: the committed state with
// the pending mutations applied.
func (tx *Tx) State() State {
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	return tx.working.Clone()
}

// Changes returns the pending changes in the order they were made.
func (tx *Tx) Changes() []Change {
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	return slices.Clone(tx.changes)
}

func (tx *Tx) apply(mut mutation) error {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.closed {
		return &TransactionError{Op: mut.op, TwinID: m.twinID, Err: ErrTransactionClosed}
	}
	c, err := mut.apply(&tx.working)
	if err != nil {
		tx.close()
		countAborted(context.Background(), m.twinID, "mutation")
		return err
	}
	tx.changes = append(tx.changes, c)
	return nil
}

// close marks tx closed and frees its Manager for the next transaction. The
// caller must hold m.mu.
func (tx *Tx) close() {
	tx.closed = true
	if tx.m.open == tx {
		tx.m.open = nil
		<-tx.m.slot
	}
}

func (tx *Tx) CreateProperty(p Property) error { return tx.apply(createProperty(p)) }
func (tx *Tx) UpdateProperty(p Property) error { return tx.apply(updateProperty(p)) }
func (tx *Tx) DeleteProperty(key string) error { return tx.apply(deleteProperty(key)) }
func (tx *Tx) EnableAction(a Action) error { return tx.apply(enableAction(a)) }
func (tx *Tx) UpdateAction(a Action) error { return tx.apply(updateAction(a)) }
func (tx *Tx) DisableAction(key string) error { return tx.apply(disableAction(key)) }
func (tx *Tx) RegisterEvent(e EventDecl) error { return tx.apply(registerEvent(e)) }
func (tx *Tx) UpdateEvent(e EventDecl) error { return tx.apply(updateEvent(e)) }
func (tx *Tx) DeregisterEvent(key string) error { return tx.apply(deregisterEvent(key)) }
func (tx *Tx) CreateRelationship(r Relationship) error { return tx.apply(createRelationship(r)) }
func (tx *Tx) DeleteRelationship(name string) error { return tx.apply(deleteRelationship(name)) }

func (tx *Tx) UpdatePropertyValue(key string, value any) error {
	return tx.apply(updatePropertyValue(key, value))
}

func (tx *Tx) AddRelationshipInstance(inst RelationshipInstance) error {
	return tx.apply(addRelationshipInstance(inst))
}

func (tx *Tx) DeleteRelationshipInstance(relationship, key string) error {
	return tx.apply(deleteRelationshipInstance(relationship, key))
}

// Rollback discards the pending mutations and closes tx.
func (tx *Tx) Rollback(ctx context.Context) error {
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx.closed {
		return &TransactionError{Op: "rollback", TwinID: m.twinID, Err: ErrTransactionClosed}
	}
	tx.close()
	countAborted(ctx, m.twinID, "rollback")
	return nil
}

// Commit makes the pending mutations visible as a whole and notifies every
// Listener once. Committing a transaction without changes closes it silently:
// the state keeps its evaluation time and no Listener is called.
//
// Commit returns once its update was delivered, unless it was called from
// within the delivery of another update: that update's Listeners are called
// first.
func (tx *Tx) Commit(ctx context.Context) (err error) {
	m := tx.m
	ctx, span := tracer.Start(ctx, "state.Commit", trace.WithAttributes(attribute.String("twin.id", m.twinID)))
	defer span.End()
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	m.mu.Lock()
	if tx.closed {
		m.mu.Unlock()
		return &TransactionError{Op: "commit", TwinID: m.twinID, Err: ErrTransactionClosed}
	}
	tx.close()
	if len(tx.changes) == 0 {
		m.mu.Unlock()
		return nil
	}

	prev := m.committed
	next := tx.working
	next.Evaluated = m.now()
	if !next.Evaluated.After(prev.Evaluated) {
		next.Evaluated = prev.Evaluated.Add(time.Nanosecond)
	}
	m.committed = next
	listeners := slices.Clone(m.listeners)
	changes := tx.changes
	t := m.queue.Push(ctx, func(ctx context.Context) {
		m.deliver(ctx, listeners, next, prev, changes)
	})
	m.mu.Unlock()

	measureCommit(ctx, m.twinID, len(changes), time.Since(tx.started))
	span.SetAttributes(attribute.Int("state.changes", len(changes)))
	component.Logger(ctx).Debug("Committed state transaction",
		slog.String("twin-id", m.twinID),
		slog.Time("evaluated", next.Evaluated),
		slog.String("changes", "\n"+FormatChanges(changes, "\t")),
	)
	m.queue.Flush(ctx, t)
	return nil
}

func (m *Manager) deliver(ctx context.Context, listeners []Listener, next, prev State, changes []Change) {
	for _, l := range listeners {
		if err := safeUpdate(ctx, l, next.Clone(), prev.Clone(), slices.Clone(changes)); err != nil {
			component.Logger(ctx).Error("State listener failed",
				slog.String("twin-id", m.twinID),
				slog.Any("error", err),
			)
		}
	}
}

func safeUpdate(ctx context.Context, l Listener, next, prev State, changes []Change) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return l.OnStateUpdate(ctx, next, prev, changes)
}

func safeNotify(ctx context.Context, n Notifier, notification EventNotification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panicked: %v", r)
		}
	}()
	return n.OnEventNotification(ctx, notification)
}
