// Package notify is the per-user notification queue: bounded retention,
// debounced persistence and interactive action handling.
package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kcosr/termstation-sub005/internal/logger"
)

var (
	ErrNotFound         = errors.New("notification not found")
	ErrAlreadyResponded = errors.New("notification already responded")
	ErrNotInteractive   = errors.New("notification is not interactive")
	ErrBadActionKey     = errors.New("action key does not match")
)

const (
	maxPerUser      = 500
	maxAge          = 30 * 24 * time.Hour
	persistDebounce = 400 * time.Millisecond
)

// InputField describes one value an interactive notification collects.
type InputField struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Secret bool   `json:"secret,omitempty"`
}

// ActionResponse records the outcome of an interactive notification.
// Secret inputs are referenced by id only, never by value.
type ActionResponse struct {
	Action         string            `json:"action"` // approve | cancel
	Inputs         map[string]string `json:"inputs,omitempty"`
	MaskedInputIDs []string          `json:"masked_input_ids,omitempty"`
	RespondedAt    time.Time         `json:"responded_at"`
}

// Notification is one queue entry.
type Notification struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	IsActive  bool      `json:"is_active"`
	Read      bool      `json:"read"`

	Interactive bool            `json:"interactive,omitempty"`
	ActionKey   string          `json:"action_key,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty"`
	Inputs      []InputField    `json:"inputs,omitempty"`
	Response    *ActionResponse `json:"response,omitempty"`
}

// Payload is what callers pass to Add; the store assigns id and timestamp.
type Payload struct {
	Title       string
	Message     string
	Kind        string
	SessionID   string
	IsActive    bool
	Interactive bool
	CallbackURL string
	Inputs      []InputField
}

// HTTPDoer is the outbound client used for interactive action callbacks.
// Injected so tests substitute a recorder.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// fileFormat is the on-disk shape: { users: { name: { notifications } } }.
type fileFormat struct {
	Users map[string]userBucket `json:"users"`
}

type userBucket struct {
	Notifications []*Notification `json:"notifications"`
}

// Store holds every user's notification list and persists it as one JSON
// document, coalescing writes through the persist scheduler.
type Store struct {
	mu    sync.Mutex
	users map[string][]*Notification // newest first
	path  string
	doer  HTTPDoer

	persistCh chan struct{}
	flushCh   chan chan error
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// Open loads the store from path (missing file starts empty) and starts
// the persist scheduler.
func Open(path string, doer HTTPDoer) (*Store, error) {
	s := &Store{
		users:     make(map[string][]*Notification),
		path:      path,
		doer:      doer,
		persistCh: make(chan struct{}, 1),
		flushCh:   make(chan chan error),
		stopCh:    make(chan struct{}),
	}
	if s.doer == nil {
		s.doer = http.DefaultClient
	}

	data, err := os.ReadFile(path)
	if err == nil {
		var ff fileFormat
		if err := json.Unmarshal(data, &ff); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		for user, bucket := range ff.Users {
			s.users[user] = bucket.Notifications
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	go s.persistLoop()
	return s, nil
}

// persistLoop coalesces persist requests within the debounce window and
// serializes all disk writes.
func (s *Store) persistLoop() {
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-s.persistCh:
			if timer == nil {
				timer = time.NewTimer(persistDebounce)
				timerC = timer.C
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if err := s.writeFile(); err != nil {
				logger.Warn("notification persist failed", "error", err)
			}
		case done := <-s.flushCh:
			if timer != nil {
				timer.Stop()
				timer = nil
				timerC = nil
			}
			done <- s.writeFile()
		case <-s.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (s *Store) schedulePersist() {
	select {
	case s.persistCh <- struct{}{}:
	default:
	}
}

// Flush forces a synchronous persist. Used at shutdown.
func (s *Store) Flush() error {
	done := make(chan error, 1)
	select {
	case s.flushCh <- done:
		return <-done
	case <-s.stopCh:
		return nil
	}
}

// Close flushes and stops the scheduler.
func (s *Store) Close() error {
	err := s.Flush()
	s.stopOnce.Do(func() { close(s.stopCh) })
	return err
}

func (s *Store) writeFile() error {
	s.mu.Lock()
	ff := fileFormat{Users: make(map[string]userBucket, len(s.users))}
	for user, list := range s.users {
		cp := make([]*Notification, len(list))
		copy(cp, list)
		ff.Users[user] = userBucket{Notifications: cp}
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write notifications: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename notifications: %w", err)
	}
	return nil
}

// Add prepends a new notification, applies retention and schedules a
// persist. Returns the stored record.
func (s *Store) Add(user string, p Payload) *Notification {
	n := &Notification{
		ID:          uuid.New().String(),
		User:        user,
		Title:       p.Title,
		Message:     p.Message,
		Kind:        p.Kind,
		Timestamp:   time.Now().UTC(),
		SessionID:   p.SessionID,
		IsActive:    p.IsActive,
		Interactive: p.Interactive,
		CallbackURL: p.CallbackURL,
		Inputs:      p.Inputs,
	}
	if n.Interactive {
		n.ActionKey = uuid.New().String()
	}

	s.mu.Lock()
	list := append([]*Notification{n}, s.users[user]...)
	cutoff := time.Now().Add(-maxAge)
	kept := list[:0]
	for _, item := range list {
		if item.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, item)
		if len(kept) == maxPerUser {
			break
		}
	}
	s.users[user] = kept
	s.mu.Unlock()

	s.schedulePersist()
	return n
}

// List returns a user's notifications, newest first.
func (s *Store) List(user string) []*Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Notification, len(s.users[user]))
	copy(out, s.users[user])
	return out
}

// GetByID finds one notification for a user.
func (s *Store) GetByID(user, id string) *Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(user, id)
}

func (s *Store) findLocked(user, id string) *Notification {
	for _, n := range s.users[user] {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// MarkRead marks one notification read.
func (s *Store) MarkRead(user, id string) error {
	s.mu.Lock()
	n := s.findLocked(user, id)
	if n == nil {
		s.mu.Unlock()
		return ErrNotFound
	}
	n.Read = true
	s.mu.Unlock()
	s.schedulePersist()
	return nil
}

// MarkAllRead marks everything read and returns how many changed.
func (s *Store) MarkAllRead(user string) int {
	s.mu.Lock()
	updated := 0
	for _, n := range s.users[user] {
		if !n.Read {
			n.Read = true
			updated++
		}
	}
	s.mu.Unlock()
	if updated > 0 {
		s.schedulePersist()
	}
	return updated
}

// Delete removes one notification.
func (s *Store) Delete(user, id string) error {
	s.mu.Lock()
	list := s.users[user]
	for i, n := range list {
		if n.ID == id {
			s.users[user] = append(list[:i], list[i+1:]...)
			s.mu.Unlock()
			s.schedulePersist()
			return nil
		}
	}
	s.mu.Unlock()
	return ErrNotFound
}

// ClearAll removes a user's entire list.
func (s *Store) ClearAll(user string) {
	s.mu.Lock()
	delete(s.users, user)
	s.mu.Unlock()
	s.schedulePersist()
}

// SetResponse records an interactive notification's outcome, masking
// secret input values, and fires the callback when one is configured.
// The action key is strictly single-use: the first response wins.
func (s *Store) SetResponse(user, id, actionKey, action string, inputs map[string]string) (*Notification, error) {
	s.mu.Lock()
	n := s.findLocked(user, id)
	if n == nil {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if !n.Interactive {
		s.mu.Unlock()
		return nil, ErrNotInteractive
	}
	if n.Response != nil {
		s.mu.Unlock()
		return nil, ErrAlreadyResponded
	}
	if n.ActionKey == "" || actionKey != n.ActionKey {
		s.mu.Unlock()
		return nil, ErrBadActionKey
	}

	resp := &ActionResponse{Action: action, RespondedAt: time.Now().UTC()}
	secret := make(map[string]bool, len(n.Inputs))
	for _, f := range n.Inputs {
		secret[f.ID] = f.Secret
	}
	for fieldID, value := range inputs {
		if secret[fieldID] {
			resp.MaskedInputIDs = append(resp.MaskedInputIDs, fieldID)
			continue
		}
		if resp.Inputs == nil {
			resp.Inputs = make(map[string]string)
		}
		resp.Inputs[fieldID] = value
	}
	sort.Strings(resp.MaskedInputIDs)
	n.Response = resp
	n.IsActive = false
	n.ActionKey = "" // single use
	callback := n.CallbackURL
	s.mu.Unlock()

	s.schedulePersist()

	if callback != "" {
		// Callback carries the full input set, secrets included; only the
		// stored record is masked.
		go s.postCallback(callback, id, action, inputs)
	}
	return n, nil
}

func (s *Store) postCallback(url, id, action string, inputs map[string]string) {
	body, err := json.Marshal(map[string]any{
		"notification_id": id,
		"action":          action,
		"inputs":          inputs,
	})
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		logger.Warn("notification callback request failed", "url", url, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.doer.Do(req)
	if err != nil {
		logger.Warn("notification callback failed", "url", url, "error", err)
		return
	}
	resp.Body.Close()
}
