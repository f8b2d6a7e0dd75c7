// Package queue owns the submission packages waiting for their approver and
// performs the one-way approve and reject transitions.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ddp/uploadportal/internal/models"
	"go.uber.org/zap"
)

var (
	ErrNotFound         = errors.New("package not found")
	ErrForbidden        = errors.New("not the approver of this package")
	ErrAlreadyFinalized = errors.New("package already finalized")
	ErrStorageFailure   = errors.New("storage failure")
	ErrTimeout          = errors.New("storage timed out")
	ErrDuplicate        = errors.New("package already enqueued")
	ErrHistoryFailure   = errors.New("history write failed")
)

// DefaultTimeout bounds a storage upload when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// KeyStampLayout formats the creation time inside storage keys and package IDs.
const KeyStampLayout = "20060102_150405.000000"

// ObjectStore receives approved deliverables.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// History records lifecycle events.
type History interface {
	Add(ctx context.Context, e models.HistoryEntry) error
}

// Namer resolves a user ID to a display name for history details.
type Namer interface {
	DisplayName(id string) string
}

// StorageKey is the object key an approved package is stored under.
func StorageKey(p models.SubmissionPackage) string {
	return fmt.Sprintf("approved/%s_%s.zip", p.CreatedAt.Format(KeyStampLayout), p.Filename)
}

type item struct {
	// decide serializes approve and reject of one package.
	decide sync.Mutex
	pkg    models.SubmissionPackage
}

// Queue is safe for concurrent use. Package status is written under both the
// item's decide lock and the queue lock, so readers need only the latter.
type Queue struct {
	mu    sync.RWMutex
	order []*item
	byID  map[string]*item
	// enqueuing holds IDs whose upload_submitted entry is being written.
	enqueuing map[string]struct{}

	store   ObjectStore
	history History
	names   Namer
	timeout time.Duration
	log     *zap.Logger
}

// New constructs a Queue. names may be nil; a non-positive timeout means DefaultTimeout.
func New(store ObjectStore, history History, names Namer, timeout time.Duration, log *zap.Logger) *Queue {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		byID:      make(map[string]*item),
		enqueuing: make(map[string]struct{}),
		store:   store,
		history: history,
		names:   names,
		timeout: timeout,
		log:     log,
	}
}

func (q *Queue) displayName(id string) string {
	if q.names == nil {
		return id
	}
	return q.names.DisplayName(id)
}

// Enqueue records upload_submitted and then publishes pkg as pending. The ID
// is reserved while the history is written, outside the queue lock; a failed
// history write releases it and leaves nothing behind.
func (q *Queue) Enqueue(ctx context.Context, pkg models.SubmissionPackage) error {
	pkg = pkg.Clone()
	pkg.Status = models.StatusPendingApproval

	q.mu.Lock()
	_, exists := q.byID[pkg.ID]
	_, reserved := q.enqueuing[pkg.ID]
	if exists || reserved {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, pkg.ID)
	}
	q.enqueuing[pkg.ID] = struct{}{}
	q.mu.Unlock()

	err := q.history.Add(ctx, models.HistoryEntry{
		Action:         models.ActionUploadSubmitted,
		ActingUserID:   pkg.UploaderID,
		PackageID:      pkg.ID,
		Filename:       pkg.Filename,
		SizeBytes:      pkg.SizeBytes,
		CounterpartyID: pkg.ApproverID,
		Status:         models.StatusPendingApproval,
		Comment:        pkg.Comment,
		Details:        fmt.Sprintf("Dosya onaya gönderildi - %s tarafından onaylanacak", q.displayName(pkg.ApproverID)),
	})

	q.mu.Lock()
	delete(q.enqueuing, pkg.ID)
	if err != nil {
		q.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrHistoryFailure, err)
	}
	it := &item{pkg: pkg}
	q.order = append(q.order, it)
	q.byID[pkg.ID] = it
	q.mu.Unlock()

	q.log.Info("submission enqueued",
		zap.String("package", pkg.ID),
		zap.String("uploader", pkg.UploaderID),
		zap.String("approver", pkg.ApproverID),
	)
	return nil
}

// PendingFor returns, in submission order, copies of the pending packages
// assigned to approverID.
func (q *Queue) PendingFor(approverID string) []models.SubmissionPackage {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]models.SubmissionPackage, 0)
	for _, it := range q.order {
		if it.pkg.ApproverID == approverID && it.pkg.Status == models.StatusPendingApproval {
			out = append(out, it.pkg.Clone())
		}
	}
	return out
}

// Get returns a copy of package id for its approver or uploader.
func (q *Queue) Get(id, actorID string) (models.SubmissionPackage, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	it, ok := q.byID[id]
	if !ok {
		return models.SubmissionPackage{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if actorID != it.pkg.ApproverID && actorID != it.pkg.UploaderID {
		return models.SubmissionPackage{}, ErrForbidden
	}
	return it.pkg.Clone(), nil
}

// Approve pushes the deliverable to the object store and marks the package
// approved. On any failure the package stays pending.
func (q *Queue) Approve(ctx context.Context, id, actorID string) error {
	it, err := q.claim(id, actorID)
	if err != nil {
		return err
	}
	defer it.decide.Unlock()

	pkg := it.pkg
	key := StorageKey(pkg)
	if err := q.put(ctx, key, pkg.Deliverable); err != nil {
		q.log.Warn("package upload failed", zap.String("package", id), zap.String("key", key), zap.Error(err))
		return err
	}

	err = q.history.Add(ctx, models.HistoryEntry{
		Action:         models.ActionFileApproved,
		ActingUserID:   actorID,
		PackageID:      pkg.ID,
		Filename:       pkg.Filename,
		SizeBytes:      pkg.SizeBytes,
		CounterpartyID: pkg.UploaderID,
		Status:         models.StatusApproved,
		Details:        "Dosya onaylandı ve S3'e yüklendi - " + key,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHistoryFailure, err)
	}
	q.setStatus(it, models.StatusApproved)
	q.log.Info("package approved", zap.String("package", id), zap.String("approver", actorID), zap.String("key", key))
	return nil
}

// Reject marks the package rejected.
func (q *Queue) Reject(ctx context.Context, id, actorID string) error {
	it, err := q.claim(id, actorID)
	if err != nil {
		return err
	}
	defer it.decide.Unlock()

	pkg := it.pkg
	err = q.history.Add(ctx, models.HistoryEntry{
		Action:         models.ActionFileRejected,
		ActingUserID:   actorID,
		PackageID:      pkg.ID,
		Filename:       pkg.Filename,
		SizeBytes:      pkg.SizeBytes,
		CounterpartyID: pkg.UploaderID,
		Status:         models.StatusRejected,
		Details:        "Dosya reddedildi",
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHistoryFailure, err)
	}
	q.setStatus(it, models.StatusRejected)
	q.log.Info("package rejected", zap.String("package", id), zap.String("approver", actorID))
	return nil
}

// claim returns the item locked for a decision by actorID.
func (q *Queue) claim(id, actorID string) (*item, error) {
	q.mu.RLock()
	it, ok := q.byID[id]
	q.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	it.decide.Lock()
	if actorID != it.pkg.ApproverID {
		it.decide.Unlock()
		return nil, ErrForbidden
	}
	if it.pkg.Status.Terminal() {
		it.decide.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyFinalized, id, it.pkg.Status)
	}
	return it, nil
}

func (q *Queue) put(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	err := q.store.Put(ctx, key, data, "application/zip")
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
}

func (q *Queue) setStatus(it *item, s models.Status) {
	q.mu.Lock()
	it.pkg.Status = s
	q.mu.Unlock()
}
