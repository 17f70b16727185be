package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"MailSpool/internal/address"
	"MailSpool/internal/apperr"
	"MailSpool/internal/attachment"
	"MailSpool/internal/blob"
	"MailSpool/internal/db"
	"MailSpool/internal/email"
	"MailSpool/internal/metrics"
	"MailSpool/internal/models"
)

type Queue interface {
	SelectPending(ctx context.Context, limit int) ([]models.QueuedEmail, error)
	Claim(ctx context.Context, id int64, lease time.Duration) (bool, error)
	Release(ctx context.Context, id int64) error
	MarkSent(ctx context.Context, id int64, sentAt time.Time) error
}

type AccountResolver interface {
	Resolve(ctx context.Context, alias string) (*models.EmailAccount, error)
}

type Options struct {
	// Workers bounds how many emails are sent concurrently. 1 keeps the
	// sequential behaviour.
	Workers     int
	BatchSize   int
	SendTimeout time.Duration
	ClaimLease  time.Duration
}

type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

type Result struct {
	ID                int64
	Alias             string
	Outcome           Outcome
	Err               error
	AttachmentDropped bool
}

// Report lists one Result per selected email, in selection order.
type Report struct {
	Results []Result
	Sent    int
	Skipped int
	Failed  int
}

type Dispatcher struct {
	queue    Queue
	accounts AccountResolver
	mailer   email.Mailer
	blobs    blob.Store
	log      *zap.Logger
	opts     Options

	now func() time.Time
}

func NewDispatcher(
	queue Queue,
	accounts AccountResolver,
	mailer email.Mailer,
	blobs blob.Store,
	logger *zap.Logger,
	opts Options,
) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 5 * time.Minute
	}
	return &Dispatcher{
		queue:    queue,
		accounts: accounts,
		mailer:   mailer,
		blobs:    blobs,
		log:      logger,
		opts:     opts,
		now:      time.Now,
	}
}

// RunCycle sends every pending email once. It only fails when the
// pending emails cannot be selected; per-email failures are recorded in
// the report and leave the email pending for the next cycle.
func (d *Dispatcher) RunCycle(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() {
		metrics.CycleDuration.Observe(time.Since(start).Seconds())
	}()

	pending, err := d.queue.SelectPending(ctx, d.opts.BatchSize)
	if err != nil {
		d.log.Error("failed to select pending emails", zap.Error(err))
		return nil, apperr.StoreUnavailable("select pending emails", err)
	}

	report := &Report{Results: make([]Result, len(pending))}

	if len(pending) == 0 {
		d.log.Info("no pending emails to send")
		return report, nil
	}

	d.log.Info("dispatch cycle started",
		zap.Int("pending", len(pending)),
		zap.Int("workers", d.opts.Workers),
	)

	var g errgroup.Group
	g.SetLimit(d.opts.Workers)

	for i := range pending {
		if ctx.Err() != nil {
			report.Results[i] = Result{
				ID:      pending[i].ID,
				Alias:   pending[i].Alias,
				Outcome: OutcomeSkipped,
				Err:     ctx.Err(),
			}
			continue
		}
		// each goroutine owns its slot in Results
		i := i
		g.Go(func() error {
			report.Results[i] = d.process(ctx, pending[i])
			return nil
		})
	}
	g.Wait()

	for _, r := range report.Results {
		switch r.Outcome {
		case OutcomeSent:
			report.Sent++
		case OutcomeSkipped:
			report.Skipped++
		case OutcomeFailed:
			report.Failed++
		}
	}

	d.log.Info("dispatch cycle finished",
		zap.Int("sent", report.Sent),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("elapsed", time.Since(start)),
	)

	return report, nil
}

func (d *Dispatcher) process(ctx context.Context, e models.QueuedEmail) Result {
	log := d.log.With(zap.Int64("request_id", e.ID), zap.String("alias", e.Alias))
	res := Result{ID: e.ID, Alias: e.Alias}

	// ----------------------------
	// Claim
	// ----------------------------
	claimed, err := d.queue.Claim(ctx, e.ID, d.opts.ClaimLease)
	if err != nil {
		log.Error("failed to claim email", zap.Error(err))
		metrics.EmailFailures.Inc()
		res.Outcome = OutcomeFailed
		res.Err = apperr.StoreUnavailable("claim email", err)
		return res
	}
	if !claimed {
		log.Info("email claimed by another dispatcher, skipping")
		metrics.EmailsSkipped.Inc()
		res.Outcome = OutcomeSkipped
		return res
	}

	// ----------------------------
	// Resolve Account
	// ----------------------------
	account, err := d.accounts.Resolve(ctx, e.Alias)
	if err != nil {
		d.release(ctx, log, e.ID)
		res.Err = err
		if apperr.KindOf(err) == apperr.KindUnknownAlias {
			log.Error("email account not found for alias, skipping", zap.Error(err))
			metrics.EmailsSkipped.Inc()
			res.Outcome = OutcomeSkipped
			return res
		}
		log.Error("failed to resolve email account", zap.Error(err))
		metrics.EmailFailures.Inc()
		res.Outcome = OutcomeFailed
		return res
	}

	// ----------------------------
	// Build Message
	// ----------------------------
	msg := buildMessage(e, account)

	if e.Attachment != "" {
		att, err := d.loadAttachment(ctx, e)
		if err != nil {
			log.Error("attachment unavailable, sending without it",
				zap.String("attachment", truncate(e.Attachment, 100)),
				zap.Error(err),
			)
			res.AttachmentDropped = true
		} else {
			msg.Attachments = append(msg.Attachments, *att)
		}
	}

	// ----------------------------
	// Send Email
	// ----------------------------
	sendCtx, cancel := d.sendContext(ctx)
	err = d.mailer.Send(sendCtx, email.TransportFor(account), msg)
	cancel()
	if err != nil {
		d.release(ctx, log, e.ID)
		log.Error("email send failed", zap.Strings("to", msg.To), zap.Error(err))
		metrics.EmailFailures.Inc()
		res.Outcome = OutcomeFailed
		res.Err = apperr.TransportFailure(e.ID, e.Alias, err)
		return res
	}

	// ----------------------------
	// Mark as Sent
	// ----------------------------
	if err := d.queue.MarkSent(context.WithoutCancel(ctx), e.ID, d.now()); err != nil {
		if errors.Is(err, db.ErrAlreadySent) {
			log.Warn("email was already marked as sent", zap.Error(err))
			metrics.EmailsSkipped.Inc()
			res.Outcome = OutcomeSkipped
			return res
		}
		log.Error("email sent but could not be marked as sent", zap.Error(err))
		metrics.EmailFailures.Inc()
		res.Outcome = OutcomeFailed
		res.Err = apperr.StoreUnavailable("mark email sent", err)
		return res
	}

	log.Info("email sent successfully", zap.Strings("to", msg.To))
	metrics.EmailsSent.Inc()
	res.Outcome = OutcomeSent
	return res
}

func (d *Dispatcher) sendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.opts.SendTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.opts.SendTimeout)
}

func (d *Dispatcher) release(ctx context.Context, log *zap.Logger, id int64) {
	if err := d.queue.Release(context.WithoutCancel(ctx), id); err != nil {
		log.Warn("failed to release claim", zap.Error(err))
	}
}

// loadAttachment accepts an inline base64 payload or a content store
// reference.
func (d *Dispatcher) loadAttachment(ctx context.Context, e models.QueuedEmail) (*email.Attachment, error) {
	mimeType := e.AttachmentMIMEType
	if mimeType == "" {
		mimeType = attachment.DefaultMIMEType
	}

	data, ok := attachment.DecodeInline(e.Attachment)
	if !ok {
		if d.blobs == nil {
			return nil, errors.New("no content store configured")
		}
		var err error
		data, err = d.blobs.Get(ctx, e.Attachment)
		if err != nil {
			return nil, fmt.Errorf("load attachment: %w", err)
		}
	}

	return &email.Attachment{
		FileName: attachment.DisplayName(mimeType),
		MIMEType: mimeType,
		Data:     data,
	}, nil
}

func buildMessage(e models.QueuedEmail, account *models.EmailAccount) *email.Message {
	return &email.Message{
		From:     e.Sender,
		FromName: account.Alias,
		To:       splitList(e.Recipients),
		Cc:       splitList(e.Cc),
		Bcc:      splitList(e.Bcc),
		Subject:  e.Subject,
		HTMLBody: e.Body,
	}
}

func splitList(list string) []string {
	var out []string
	for _, addr := range address.Split(list) {
		if addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
