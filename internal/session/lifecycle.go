// Package session enforces the counseling session state machine: creation,
// rescheduling, cancellation, and completion, with per-session
// serialization and optimistic-concurrency guards.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/serenmed/telecare/internal/domain"
	"github.com/serenmed/telecare/internal/notify"
	"github.com/serenmed/telecare/internal/store"
)

// ErrInvalidParticipants is returned when patient and counselor are the
// same user or either id is empty.
var ErrInvalidParticipants = errors.New("patient and counselor must be two distinct users")

// EventSink receives the single domain event emitted by every accepted
// transition.
type EventSink interface {
	Publish(targetUserIDs []string, event domain.Event)
}

const (
	defaultStoreTimeout   = 5 * time.Second
	defaultCancelTokenTTL = 5 * time.Minute
	maxIdempotencyRecord  = 1024
)

// Options tune the manager. Zero values fall back to defaults.
type Options struct {
	StoreTimeout   time.Duration
	CancelTokenTTL time.Duration
	Now            func() time.Time
}

type pendingCancel struct {
	sessionID       string
	expectedVersion int64
	expiresAt       time.Time
}

// Manager is the only writer of Session entities. Transitions on the same
// session are serialized; transitions on different sessions proceed in
// parallel. Overlap checks for a counselor are serialized per counselor so
// two concurrent bookings cannot both pass the conflict check.
type Manager struct {
	store        store.SessionStore
	sink         EventSink
	notifier     notify.Dispatcher
	storeTimeout time.Duration
	tokenTTL     time.Duration
	now          func() time.Time

	sessionLocks   sync.Map // sessionID -> *sync.Mutex
	counselorLocks sync.Map // counselorID -> *sync.Mutex

	idemMu    sync.Mutex
	idemBy    map[string]*domain.Session
	idemOrder []string

	cancelMu       sync.Mutex
	pendingCancels map[string]pendingCancel
}

// NewManager creates a lifecycle manager writing through st and emitting
// events to sink. notifier may be nil.
func NewManager(st store.SessionStore, sink EventSink, notifier notify.Dispatcher, opts Options) *Manager {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.CancelTokenTTL <= 0 {
		opts.CancelTokenTTL = defaultCancelTokenTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Manager{
		store:          st,
		sink:           sink,
		notifier:       notifier,
		storeTimeout:   opts.StoreTimeout,
		tokenTTL:       opts.CancelTokenTTL,
		now:            opts.Now,
		idemBy:         make(map[string]*domain.Session),
		pendingCancels: make(map[string]pendingCancel),
	}
}

func lockFor(locks *sync.Map, key string) *sync.Mutex {
	lock, _ := locks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// CreateRequest carries a booking request. The idempotency key protects
// against duplicate sessions when a timed-out create is retried.
type CreateRequest struct {
	PatientID       string
	CounselorID     string
	ScheduledAt     time.Time
	DurationMinutes int
	Medium          domain.Medium
	Notes           string
	IdempotencyKey  string
}

// Create books a new session in the scheduled state.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*domain.Session, error) {
	if req.PatientID == "" || req.CounselorID == "" || req.PatientID == req.CounselorID {
		return nil, ErrInvalidParticipants
	}
	if !req.Medium.Valid() {
		return nil, errors.New("medium must be video or audio")
	}
	if req.DurationMinutes <= 0 {
		return nil, &domain.InvalidTimeError{ScheduledAt: req.ScheduledAt, Reason: "duration must be positive"}
	}
	now := m.now()
	if !req.ScheduledAt.After(now) {
		return nil, &domain.InvalidTimeError{ScheduledAt: req.ScheduledAt, Reason: "must be in the future"}
	}

	if sess := m.idemLookup(req.IdempotencyKey); sess != nil {
		return sess, nil
	}

	lock := lockFor(&m.counselorLocks, req.CounselorID)
	lock.Lock()
	defer lock.Unlock()

	// Re-check under the lock: the retried request may have won the race.
	if sess := m.idemLookup(req.IdempotencyKey); sess != nil {
		return sess, nil
	}

	if err := m.checkOverlap(ctx, req.CounselorID, req.ScheduledAt, req.DurationMinutes, ""); err != nil {
		if sess := m.reclaimBooking(ctx, req, err); sess != nil {
			return sess, nil
		}
		return nil, err
	}

	sess := &domain.Session{
		ID:              uuid.NewString(),
		PatientID:       req.PatientID,
		CounselorID:     req.CounselorID,
		ScheduledAt:     req.ScheduledAt.UTC(),
		DurationMinutes: req.DurationMinutes,
		Medium:          req.Medium,
		Status:          domain.StatusScheduled,
		Notes:           req.Notes,
		Version:         1,
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
	}

	storeCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	if err := m.store.InsertSession(storeCtx, sess); err != nil {
		return nil, mapStoreErr("insert session", err)
	}

	m.idemRemember(req.IdempotencyKey, sess)
	m.emit(ctx, domain.EventSessionCreated, sess)
	return sess.Clone(), nil
}

// Reschedule moves a session to a new slot. Allowed from scheduled or
// rescheduled only, guarded by the caller's expected version.
func (m *Manager) Reschedule(ctx context.Context, sessionID string, newScheduledAt time.Time, newDurationMinutes int, expectedVersion int64, idempotencyKey string) (*domain.Session, error) {
	if newDurationMinutes <= 0 {
		return nil, &domain.InvalidTimeError{ScheduledAt: newScheduledAt, Reason: "duration must be positive"}
	}
	if !newScheduledAt.After(m.now()) {
		return nil, &domain.InvalidTimeError{ScheduledAt: newScheduledAt, Reason: "must be in the future"}
	}

	if sess := m.idemLookup(idempotencyKey); sess != nil {
		return sess, nil
	}

	sessLock := lockFor(&m.sessionLocks, sessionID)
	sessLock.Lock()
	defer sessLock.Unlock()

	if sess := m.idemLookup(idempotencyKey); sess != nil {
		return sess, nil
	}

	sess, err := m.loadForTransition(ctx, sessionID, expectedVersion)
	if err != nil {
		return nil, err
	}

	counselorLock := lockFor(&m.counselorLocks, sess.CounselorID)
	counselorLock.Lock()
	defer counselorLock.Unlock()

	if err := m.checkOverlap(ctx, sess.CounselorID, newScheduledAt, newDurationMinutes, sess.ID); err != nil {
		return nil, err
	}

	sess.ScheduledAt = newScheduledAt.UTC()
	sess.DurationMinutes = newDurationMinutes
	sess.Status = domain.StatusRescheduled

	if err := m.commit(ctx, sess, expectedVersion); err != nil {
		return nil, err
	}

	m.idemRemember(idempotencyKey, sess)
	m.emit(ctx, domain.EventSessionRescheduled, sess)
	return sess.Clone(), nil
}

// Cancel moves a session to the cancelled terminal state.
func (m *Manager) Cancel(ctx context.Context, sessionID, reason string, expectedVersion int64) (*domain.Session, error) {
	sessLock := lockFor(&m.sessionLocks, sessionID)
	sessLock.Lock()
	defer sessLock.Unlock()

	sess, err := m.loadForTransition(ctx, sessionID, expectedVersion)
	if err != nil {
		return nil, err
	}

	sess.Status = domain.StatusCancelled
	sess.CancelReason = reason

	if err := m.commit(ctx, sess, expectedVersion); err != nil {
		return nil, err
	}

	m.emit(ctx, domain.EventSessionCancelled, sess)
	return sess.Clone(), nil
}

// Complete moves a session to the completed terminal state. Allowed only
// once the scheduled window has passed.
func (m *Manager) Complete(ctx context.Context, sessionID string, expectedVersion int64) (*domain.Session, error) {
	sessLock := lockFor(&m.sessionLocks, sessionID)
	sessLock.Lock()
	defer sessLock.Unlock()

	sess, err := m.loadForTransition(ctx, sessionID, expectedVersion)
	if err != nil {
		return nil, err
	}
	if m.now().Before(sess.End()) {
		return nil, &domain.InvalidTimeError{ScheduledAt: sess.ScheduledAt, Reason: "session window has not ended"}
	}

	sess.Status = domain.StatusCompleted

	if err := m.commit(ctx, sess, expectedVersion); err != nil {
		return nil, err
	}

	m.emit(ctx, domain.EventSessionCompleted, sess)
	return sess.Clone(), nil
}

// loadForTransition fetches the session and applies the terminal-state and
// version guards shared by all transitions. Callers hold the session lock.
func (m *Manager) loadForTransition(ctx context.Context, sessionID string, expectedVersion int64) (*domain.Session, error) {
	storeCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	sess, err := m.store.GetSession(storeCtx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, mapStoreErr("get session", err)
	}
	if sess.Terminal() {
		return nil, &domain.TerminalStateError{SessionID: sess.ID, Status: sess.Status}
	}
	if sess.Version != expectedVersion {
		return nil, &domain.StaleVersionError{SessionID: sess.ID, Expected: expectedVersion, Actual: sess.Version}
	}
	return sess, nil
}

// commit bumps the version and persists under the optimistic guard.
func (m *Manager) commit(ctx context.Context, sess *domain.Session, expectedVersion int64) error {
	sess.Version = expectedVersion + 1
	sess.UpdatedAt = m.now().UTC()

	storeCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	if err := m.store.UpdateSession(storeCtx, sess, expectedVersion); err != nil {
		if errors.Is(err, store.ErrVersionMismatch) {
			return &domain.StaleVersionError{SessionID: sess.ID, Expected: expectedVersion}
		}
		return mapStoreErr("update session", err)
	}
	return nil
}

// reclaimBooking resolves a create conflict against the caller's own
// earlier insert. An insert can commit even though the caller only saw a
// timeout; the cache then has no record and the retry collides with the
// session it created. A conflicting slot that matches the retried request
// exactly is that booking, so hand it back instead of a conflict.
func (m *Manager) reclaimBooking(ctx context.Context, req CreateRequest, err error) *domain.Session {
	var conflict *domain.ConflictError
	if req.IdempotencyKey == "" || !errors.As(err, &conflict) {
		return nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	sess, getErr := m.store.GetSession(storeCtx, conflict.ConflictingID)
	if getErr != nil {
		return nil
	}
	if sess.PatientID != req.PatientID || sess.CounselorID != req.CounselorID ||
		!sess.ScheduledAt.Equal(req.ScheduledAt) ||
		sess.DurationMinutes != req.DurationMinutes ||
		sess.Medium != req.Medium ||
		sess.Status != domain.StatusScheduled {
		return nil
	}

	m.idemRemember(req.IdempotencyKey, sess)
	return sess.Clone()
}

// checkOverlap rejects a slot that intersects any of the counselor's
// non-terminal sessions, excluding excludeID. Callers hold the counselor
// lock.
func (m *Manager) checkOverlap(ctx context.Context, counselorID string, start time.Time, durationMinutes int, excludeID string) error {
	storeCtx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	active, err := m.store.ListCounselorActive(storeCtx, counselorID)
	if err != nil {
		return mapStoreErr("list counselor sessions", err)
	}
	for _, other := range active {
		if other.ID == excludeID {
			continue
		}
		if other.Overlaps(start, durationMinutes) {
			return &domain.ConflictError{
				CounselorID:      counselorID,
				ConflictingID:    other.ID,
				RequestedStart:   start,
				RequestedMinutes: durationMinutes,
			}
		}
	}
	return nil
}

func (m *Manager) emit(ctx context.Context, kind domain.EventKind, sess *domain.Session) {
	event := domain.SessionEvent(kind, sess)
	m.sink.Publish(sess.Participants(), event)
	m.notifier.Notify(ctx, sess.Participants(), kind, event)
}

func mapStoreErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.TimeoutError{Op: op, Err: err}
	}
	return &domain.PersistenceError{Op: op, Err: err}
}

func (m *Manager) idemLookup(key string) *domain.Session {
	if key == "" {
		return nil
	}
	m.idemMu.Lock()
	defer m.idemMu.Unlock()
	if sess, ok := m.idemBy[key]; ok {
		return sess.Clone()
	}
	return nil
}

func (m *Manager) idemRemember(key string, sess *domain.Session) {
	if key == "" {
		return
	}
	m.idemMu.Lock()
	defer m.idemMu.Unlock()
	if _, ok := m.idemBy[key]; ok {
		return
	}
	m.idemBy[key] = sess.Clone()
	m.idemOrder = append(m.idemOrder, key)
	if len(m.idemOrder) > maxIdempotencyRecord {
		evict := m.idemOrder[0]
		m.idemOrder = m.idemOrder[1:]
		delete(m.idemBy, evict)
	}
}
