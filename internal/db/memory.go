package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"MailSpool/internal/models"
)

// MemoryURL selects MemoryStore in Open.
const MemoryURL = "memory://"

// Backend is implemented by Store and MemoryStore.
type Backend interface {
	InsertEmail(ctx context.Context, req *models.ValidatedRequest) (int64, error)
	SelectPending(ctx context.Context, limit int) ([]models.QueuedEmail, error)
	// GetEmail reads one email back; tests and operator tooling use it.
	GetEmail(ctx context.Context, id int64) (*models.QueuedEmail, error)
	Claim(ctx context.Context, id int64, lease time.Duration) (bool, error)
	Release(ctx context.Context, id int64) error
	MarkSent(ctx context.Context, id int64, sentAt time.Time) error
	GetAccount(ctx context.Context, alias string) (*models.EmailAccount, error)
	CreateAccount(ctx context.Context, a *models.EmailAccount) (bool, error)
	Close()
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*MemoryStore)(nil)
)

// Open returns a MemoryStore for MemoryURL and a PostgreSQL Store otherwise.
func Open(ctx context.Context, databaseURL string, maxWait time.Duration) (Backend, error) {
	if databaseURL == MemoryURL {
		return NewMemoryStore(), nil
	}
	return Connect(ctx, databaseURL, maxWait)
}

type memoryEmail struct {
	models.QueuedEmail
	claimedUntil time.Time
}

// MemoryStore is a process-local Backend for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	emails   []*memoryEmail
	accounts map[string]models.EmailAccount

	// Now defaults to time.Now.
	Now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]models.EmailAccount),
		Now:      time.Now,
	}
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) InsertEmail(_ context.Context, req *models.ValidatedRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.emails = append(m.emails, &memoryEmail{QueuedEmail: models.QueuedEmail{
		ID:                 m.nextID,
		Subject:            req.Subject,
		Body:               req.Body,
		Sender:             req.Sender,
		Recipients:         req.Recipients,
		Cc:                 req.Cc,
		Bcc:                req.Bcc,
		Attachment:         req.Attachment,
		AttachmentMIMEType: req.AttachmentMIMEType,
		Alias:              req.Alias,
		ReceivedAt:         m.Now(),
	}})
	return m.nextID, nil
}

func (m *MemoryStore) SelectPending(_ context.Context, limit int) ([]models.QueuedEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	var out []models.QueuedEmail
	for _, e := range m.emails {
		if e.Sent || e.claimedUntil.After(now) {
			continue
		}
		out = append(out, e.copy())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) GetEmail(_ context.Context, id int64) (*models.QueuedEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.find(id)
	if e == nil {
		return nil, fmt.Errorf("get queued email %d: %w", id, ErrNotFound)
	}
	c := e.copy()
	return &c, nil
}

func (m *MemoryStore) Claim(_ context.Context, id int64, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.find(id)
	if e == nil {
		return false, nil
	}
	now := m.Now()
	if e.Sent || e.claimedUntil.After(now) {
		return false, nil
	}
	e.claimedUntil = now.Add(lease)
	return true, nil
}

func (m *MemoryStore) Release(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.find(id); e != nil && !e.Sent {
		e.claimedUntil = time.Time{}
	}
	return nil
}

func (m *MemoryStore) MarkSent(_ context.Context, id int64, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.find(id)
	if e == nil {
		return fmt.Errorf("mark queued email %d sent: %w", id, ErrNotFound)
	}
	if e.Sent {
		return fmt.Errorf("mark queued email %d sent: %w", id, ErrAlreadySent)
	}
	if sentAt.Before(e.ReceivedAt) {
		sentAt = e.ReceivedAt
	}
	e.Sent = true
	e.SentAt = &sentAt
	e.claimedUntil = time.Time{}
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, alias string) (*models.EmailAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[alias]
	if !ok {
		return nil, fmt.Errorf("get email account %s: %w", alias, ErrNotFound)
	}
	return &a, nil
}

func (m *MemoryStore) CreateAccount(_ context.Context, a *models.EmailAccount) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[a.Alias]; ok {
		return false, nil
	}
	m.accounts[a.Alias] = *a
	return true, nil
}

func (m *MemoryStore) find(id int64) *memoryEmail {
	// ids are dense and start at 1
	if id < 1 || id > int64(len(m.emails)) {
		return nil
	}
	return m.emails[id-1]
}

func (e *memoryEmail) copy() models.QueuedEmail {
	c := e.QueuedEmail
	if e.SentAt != nil {
		t := *e.SentAt
		c.SentAt = &t
	}
	return c
}
