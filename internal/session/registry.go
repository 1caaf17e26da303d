package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sandgate-io/sandgate/internal/database"
	"gorm.io/gorm"
)

var (
	// ErrNotFound means no session exists under the given id.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidTransition means the session's current status does not
	// permit the requested lifecycle step.
	ErrInvalidTransition = errors.New("invalid session state transition")
	// ErrNotTerminal means delete was attempted on a live session.
	ErrNotTerminal = errors.New("session not in a terminal state")
)

// Registry owns all session lifecycle mutations. Mutations for one id are
// serialized through a per-id lock; reads return the latest committed row
// so the dispatcher never sees a stale backend binding.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*sync.Mutex)}
}

func (r *Registry) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// Create inserts a new session in Provisioning with a fresh id and no
// backend binding yet.
func (r *Registry) Create(name string) (*database.Session, error) {
	sess := &database.Session{
		SessionID:      uuid.NewString(),
		Name:           name,
		Status:         database.StatusProvisioning,
		LastActivityAt: time.Now(),
	}
	if err := database.DB.Create(sess).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Bind attaches the backend workload to a provisioning session and moves
// it to Running.
func (r *Registry) Bind(id, backendRef string) error {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	sess, err := r.load(id)
	if err != nil {
		return err
	}
	if sess.Status != database.StatusProvisioning {
		return fmt.Errorf("%w: cannot bind session in status %s", ErrInvalidTransition, sess.Status)
	}
	return r.update(id, map[string]interface{}{
		"status":      database.StatusRunning,
		"backend_ref": backendRef,
	})
}

// MarkStopping moves a running session into Stopping.
func (r *Registry) MarkStopping(id string) error {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	sess, err := r.load(id)
	if err != nil {
		return err
	}
	if sess.Status != database.StatusRunning {
		return fmt.Errorf("%w: cannot stop session in status %s", ErrInvalidTransition, sess.Status)
	}
	return r.update(id, map[string]interface{}{
		"status": database.StatusStopping,
	})
}

// MarkStopped finishes a stop: Stopping becomes Stopped and the backend
// binding is released.
func (r *Registry) MarkStopped(id string) error {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	sess, err := r.load(id)
	if err != nil {
		return err
	}
	if sess.Status != database.StatusStopping {
		return fmt.Errorf("%w: cannot finish stop for session in status %s", ErrInvalidTransition, sess.Status)
	}
	return r.update(id, map[string]interface{}{
		"status":      database.StatusStopped,
		"backend_ref": "",
	})
}

// MarkFailed moves any live session to Failed, releasing the backend
// binding and recording the reason. Terminal sessions are left alone.
func (r *Registry) MarkFailed(id, reason string) error {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	sess, err := r.load(id)
	if err != nil {
		return err
	}
	if sess.Terminal() {
		return fmt.Errorf("%w: session already in terminal status %s", ErrInvalidTransition, sess.Status)
	}
	return r.update(id, map[string]interface{}{
		"status":      database.StatusFailed,
		"backend_ref": "",
		"fail_reason": reason,
	})
}

// Delete removes a session that has reached Stopped or Failed. Live
// sessions are rejected so a bound backend is never orphaned silently.
func (r *Registry) Delete(id string) error {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	sess, err := r.load(id)
	if err != nil {
		return err
	}
	if !sess.Terminal() {
		return fmt.Errorf("%w: session status %s", ErrNotTerminal, sess.Status)
	}
	if err := database.DB.Where("session_id = ?", id).Delete(&database.Session{}).Error; err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	r.mu.Lock()
	delete(r.locks, id)
	r.mu.Unlock()
	return nil
}

// Get returns the latest committed state for one session.
func (r *Registry) Get(id string) (*database.Session, error) {
	return r.load(id)
}

// List returns all sessions in insertion order.
func (r *Registry) List() ([]database.Session, error) {
	var sessions []database.Session
	if err := database.DB.Order("id").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// Touch updates the activity timestamp without touching the lifecycle.
func (r *Registry) Touch(id string) {
	database.DB.Model(&database.Session{}).
		Where("session_id = ?", id).
		Update("last_activity_at", time.Now())
}

// CountByStatus returns the number of sessions per lifecycle status.
func (r *Registry) CountByStatus() (map[string]int, error) {
	var rows []struct {
		Status string
		N      int
	}
	err := database.DB.Model(&database.Session{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}

func (r *Registry) load(id string) (*database.Session, error) {
	var sess database.Session
	if err := database.DB.Where("session_id = ?", id).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &sess, nil
}

func (r *Registry) update(id string, fields map[string]interface{}) error {
	if err := database.DB.Model(&database.Session{}).
		Where("session_id = ?", id).
		Updates(fields).Error; err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}
