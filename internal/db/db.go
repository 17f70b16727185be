package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"MailSpool/internal/models"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrAlreadySent = errors.New("email already marked as sent")
)

// DB is the subset of pgxpool.Pool used by Store.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

type Store struct {
	db   DB
	Pool *pgxpool.Pool
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Connect opens a pool and waits up to maxWait for the database to answer.
func Connect(ctx context.Context, conn string, maxWait time.Duration) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(conn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = maxWait

	if err := backoff.Retry(func() error {
		return pool.Ping(ctx)
	}, backoff.WithContext(b, ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: pool, Pool: pool}, nil
}

func (s *Store) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// ------------------------------------------------
// Queued emails
// ------------------------------------------------

const emailColumns = `id, subject, body, sender, recipients, cc, bcc, attachment, attachment_mime_type,
	alias, received_at, sent_at, sent`

func (s *Store) InsertEmail(ctx context.Context, req *models.ValidatedRequest) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO queued_emails
		 (subject, body, sender, recipients, cc, bcc, attachment, attachment_mime_type, alias,
		  received_at, sent, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW(),false,NOW(),NOW())
		 RETURNING id`,
		req.Subject,
		req.Body,
		req.Sender,
		req.Recipients,
		nullable(req.Cc),
		nullable(req.Bcc),
		nullable(req.Attachment),
		nullable(req.AttachmentMIMEType),
		req.Alias,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert queued email: %w", err)
	}
	return id, nil
}

// SelectPending returns unsent emails not under a live claim, oldest
// first. A limit of zero or less returns all of them.
func (s *Store) SelectPending(ctx context.Context, limit int) ([]models.QueuedEmail, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+emailColumns+`
		 FROM queued_emails
		 WHERE sent = false AND (claimed_until IS NULL OR claimed_until < NOW())
		 ORDER BY id
		 LIMIT $1`, lim)
	if err != nil {
		return nil, fmt.Errorf("select pending emails: %w", err)
	}
	defer rows.Close()

	var emails []models.QueuedEmail
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queued email: %w", err)
		}
		emails = append(emails, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending emails: %w", err)
	}
	return emails, nil
}

func (s *Store) GetEmail(ctx context.Context, id int64) (*models.QueuedEmail, error) {
	e, err := scanEmail(s.db.QueryRow(ctx,
		`SELECT `+emailColumns+` FROM queued_emails WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get queued email %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get queued email %d: %w", id, err)
	}
	return e, nil
}

// Claim leases a pending email to the caller. It returns false when the
// email is already sent or leased by another dispatcher.
func (s *Store) Claim(ctx context.Context, id int64, lease time.Duration) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE queued_emails
		 SET claimed_until = NOW() + make_interval(secs => $2),
		     updated_at = NOW()
		 WHERE id = $1
		   AND sent = false
		   AND (claimed_until IS NULL OR claimed_until < NOW())`,
		id,
		lease.Seconds(),
	)
	if err != nil {
		return false, fmt.Errorf("claim queued email %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Release(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE queued_emails
		 SET claimed_until = NULL,
		     updated_at = NOW()
		 WHERE id = $1 AND sent = false`,
		id,
	)
	if err != nil {
		return fmt.Errorf("release queued email %d: %w", id, err)
	}
	return nil
}

// MarkSent records the dispatch time. sent_at never precedes received_at.
// Calling it for an email that is already sent returns ErrAlreadySent.
func (s *Store) MarkSent(ctx context.Context, id int64, sentAt time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE queued_emails
		 SET sent = true,
		     sent_at = GREATEST($2::timestamptz, received_at),
		     claimed_until = NULL,
		     updated_at = NOW()
		 WHERE id = $1 AND sent = false`,
		id,
		sentAt,
	)
	if err != nil {
		return fmt.Errorf("mark queued email %d sent: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark queued email %d sent: %w", id, ErrAlreadySent)
	}
	return nil
}

// ------------------------------------------------
// Accounts
// ------------------------------------------------

func (s *Store) GetAccount(ctx context.Context, alias string) (*models.EmailAccount, error) {
	var a models.EmailAccount
	err := s.db.QueryRow(ctx,
		`SELECT alias, email, password, host, port, encryption
		 FROM email_accounts WHERE alias = $1`, alias,
	).Scan(&a.Alias, &a.Email, &a.Password, &a.Host, &a.Port, &a.Encryption)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get email account %s: %w", alias, ErrNotFound)
		}
		return nil, fmt.Errorf("get email account %s: %w", alias, err)
	}
	return &a, nil
}

// CreateAccount inserts the account unless its alias already exists.
// It reports whether a row was written.
func (s *Store) CreateAccount(ctx context.Context, a *models.EmailAccount) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO email_accounts (alias, email, password, host, port, encryption, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW())
		 ON CONFLICT (alias) DO NOTHING`,
		a.Alias, a.Email, a.Password, a.Host, a.Port, a.Encryption,
	)
	if err != nil {
		return false, fmt.Errorf("insert email account %s: %w", a.Alias, err)
	}
	return tag.RowsAffected() == 1, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEmail(row scanner) (*models.QueuedEmail, error) {
	var (
		e                          models.QueuedEmail
		cc, bcc, attachment, mimeT *string
	)
	if err := row.Scan(&e.ID, &e.Subject, &e.Body, &e.Sender, &e.Recipients, &cc, &bcc,
		&attachment, &mimeT, &e.Alias, &e.ReceivedAt, &e.SentAt, &e.Sent); err != nil {
		return nil, err
	}
	e.Cc = deref(cc)
	e.Bcc = deref(bcc)
	e.Attachment = deref(attachment)
	e.AttachmentMIMEType = deref(mimeT)
	return &e, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
