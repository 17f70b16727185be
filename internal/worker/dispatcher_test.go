package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"MailSpool/internal/accounts"
	"MailSpool/internal/apperr"
	"MailSpool/internal/blob"
	"MailSpool/internal/db"
	"MailSpool/internal/email"
	"MailSpool/internal/metrics"
	"MailSpool/internal/models"
)

type sentMail struct {
	transport email.Transport
	msg       *email.Message
}

type fakeMailer struct {
	mu      sync.Mutex
	sent    []sentMail
	failFor map[string]error
	block   bool
}

func (f *fakeMailer) Send(ctx context.Context, t email.Transport, m *email.Message) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := f.failFor[t.Username]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{transport: t, msg: m})
	return nil
}

func (f *fakeMailer) messages() []sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMail(nil), f.sent...)
}

// alreadySentQueue reports every email as sent by someone else.
type alreadySentQueue struct {
	*db.MemoryStore
}

func (q alreadySentQueue) MarkSent(_ context.Context, id int64, _ time.Time) error {
	return fmt.Errorf("mark queued email %d sent: %w", id, db.ErrAlreadySent)
}

type brokenQueue struct {
	*db.MemoryStore
}

func (brokenQueue) SelectPending(context.Context, int) ([]models.QueuedEmail, error) {
	return nil, errors.New("connection refused")
}

func newTestStore(t *testing.T) *db.MemoryStore {
	t.Helper()

	s := db.NewMemoryStore()
	for _, a := range []models.EmailAccount{
		{Alias: "ventas", Email: "ventas@example.com", Password: "v", Host: "smtp.example.com", Port: 587, Encryption: "tls"},
		{Alias: "soporte", Email: "soporte@example.com", Password: "s", Host: "smtp.example.com", Port: 465, Encryption: "ssl"},
	} {
		_, err := s.CreateAccount(context.Background(), &a)
		require.NoError(t, err)
	}
	return s
}

func enqueue(t *testing.T, s *db.MemoryStore, alias, sender, subject string, mods ...func(*models.ValidatedRequest)) int64 {
	t.Helper()

	req := &models.ValidatedRequest{
		Subject:    subject,
		Body:       "<p>" + subject + "</p>",
		Sender:     sender,
		Recipients: "cliente@example.com; otro@example.com",
		Alias:      alias,
	}
	for _, m := range mods {
		m(req)
	}
	id, err := s.InsertEmail(context.Background(), req)
	require.NoError(t, err)
	return id
}

func newTestDispatcher(q Queue, s *db.MemoryStore, mailer email.Mailer, blobs blob.Store, logger *zap.Logger) *Dispatcher {
	return NewDispatcher(q, accounts.NewResolver(s), mailer, blobs, logger, Options{
		Workers:     1,
		BatchSize:   500,
		SendTimeout: time.Second,
		ClaimLease:  time.Minute,
	})
}

func TestRunCycle_SendsPending(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mailer := &fakeMailer{}

	first := enqueue(t, store, "ventas", "ventas@example.com", "Factura", func(r *models.ValidatedRequest) {
		r.Cc = "copia@example.com"
		r.Bcc = "oculta@example.com"
	})
	second := enqueue(t, store, "soporte", "soporte@example.com", "Ticket")

	sentBefore := testutil.ToFloat64(metrics.EmailsSent)

	d := newTestDispatcher(store, store, mailer, nil, zaptest.NewLogger(t))
	report, err := d.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Sent)
	assert.Zero(t, report.Skipped)
	assert.Zero(t, report.Failed)
	require.Len(t, report.Results, 2)
	assert.Equal(t, first, report.Results[0].ID)
	assert.Equal(t, second, report.Results[1].ID)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.EmailsSent)-sentBefore)

	msgs := mailer.messages()
	require.Len(t, msgs, 2)

	m := msgs[0]
	assert.Equal(t, "ventas@example.com", m.transport.Username)
	assert.Equal(t, "v", m.transport.Password)
	assert.Equal(t, "ventas@example.com", m.msg.From)
	assert.Equal(t, "ventas", m.msg.FromName)
	assert.Equal(t, []string{"cliente@example.com", "otro@example.com"}, m.msg.To)
	assert.Equal(t, []string{"copia@example.com"}, m.msg.Cc)
	assert.Equal(t, []string{"oculta@example.com"}, m.msg.Bcc)
	assert.Equal(t, "Factura", m.msg.Subject)
	assert.Equal(t, "<p>Factura</p>", m.msg.HTMLBody)
	assert.Empty(t, m.msg.Attachments)

	assert.Nil(t, msgs[1].msg.Cc)
	assert.Equal(t, "ssl", msgs[1].transport.Encryption)

	for _, id := range []int64{first, second} {
		e, err := store.GetEmail(ctx, id)
		require.NoError(t, err)
		assert.True(t, e.Sent)
		require.NotNil(t, e.SentAt)
		assert.False(t, e.SentAt.Before(e.ReceivedAt))
	}

	pending, err := store.SelectPending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunCycle_SecondCycleSendsNothing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mailer := &fakeMailer{}
	id := enqueue(t, store, "ventas", "ventas@example.com", "Una vez")

	d := newTestDispatcher(store, store, mailer, nil, zaptest.NewLogger(t))
	_, err := d.RunCycle(ctx)
	require.NoError(t, err)

	e, err := store.GetEmail(ctx, id)
	require.NoError(t, err)
	sentAt := *e.SentAt

	report, err := d.RunCycle(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Results)
	assert.Len(t, mailer.messages(), 1)

	e, err = store.GetEmail(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, sentAt, *e.SentAt)
}

func TestRunCycle_UnknownAliasDoesNotBlockBatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mailer := &fakeMailer{}

	orphan := enqueue(t, store, "fantasma", "fantasma@example.com", "Perdido")
	valid := enqueue(t, store, "ventas", "ventas@example.com", "Válido")

	core, logs := observer.New(zapcore.InfoLevel)
	d := newTestDispatcher(store, store, mailer, nil, zap.New(core))

	report, err := d.RunCycle(ctx)
	require.NoError(t, err)

	require.Len(t, report.Results, 2)
	assert.Equal(t, OutcomeSkipped, report.Results[0].Outcome)
	assert.Equal(t, apperr.KindUnknownAlias, apperr.KindOf(report.Results[0].Err))
	assert.Equal(t, OutcomeSent, report.Results[1].Outcome)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Skipped)

	msgs := mailer.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Válido", msgs[0].msg.Subject)

	e, err := store.GetEmail(ctx, orphan)
	require.NoError(t, err)
	assert.False(t, e.Sent)
	assert.Nil(t, e.SentAt)

	e, err = store.GetEmail(ctx, valid)
	require.NoError(t, err)
	assert.True(t, e.Sent)

	entries := logs.FilterMessage("email account not found for alias, skipping").All()
	require.Len(t, entries, 1)
	assert.Equal(t, orphan, entries[0].ContextMap()["request_id"])
	assert.Equal(t, "fantasma", entries[0].ContextMap()["alias"])

	// the orphan stays selectable for later cycles
	pending, err := store.SelectPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, orphan, pending[0].ID)
}

func TestRunCycle_TransportFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mailer := &fakeMailer{failFor: map[string]error{
		"ventas@example.com": errors.New("535 authentication failed"),
	}}

	failing := enqueue(t, store, "ventas", "ventas@example.com", "Rechazado")
	ok := enqueue(t, store, "soporte", "soporte@example.com", "Aceptado")

	failuresBefore := testutil.ToFloat64(metrics.EmailFailures)

	core, logs := observer.New(zapcore.InfoLevel)
	d := newTestDispatcher(store, store, mailer, nil, zap.New(core))

	report, err := d.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, report.Results[0].Outcome)
	assert.Equal(t, apperr.KindTransportFailure, apperr.KindOf(report.Results[0].Err))
	assert.ErrorContains(t, report.Results[0].Err, "535 authentication failed")
	assert.Equal(t, OutcomeSent, report.Results[1].Outcome)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EmailFailures)-failuresBefore)

	e, err := store.GetEmail(ctx, failing)
	require.NoError(t, err)
	assert.False(t, e.Sent)

	e, err = store.GetEmail(ctx, ok)
	require.NoError(t, err)
	assert.True(t, e.Sent)

	entries := logs.FilterMessage("email send failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, failing, entries[0].ContextMap()["request_id"])

	// the claim is released so the next cycle retries right away
	pending, err := store.SelectPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, failing, pending[0].ID)
}

func TestRunCycle_SendTimeout(t *testing.T) {
	store := newTestStore(t)
	id := enqueue(t, store, "ventas", "ventas@example.com", "Lento")

	d := NewDispatcher(store, accounts.NewResolver(store), &fakeMailer{block: true}, nil, zaptest.NewLogger(t), Options{
		SendTimeout: 20 * time.Millisecond,
	})

	report, err := d.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	assert.Equal(t, id, report.Results[0].ID)
	assert.Equal(t, OutcomeFailed, report.Results[0].Outcome)
	assert.ErrorIs(t, report.Results[0].Err, context.DeadlineExceeded)
}

func TestRunCycle_InlineAttachment(t *testing.T) {
	store := newTestStore(t)
	mailer := &fakeMailer{}
	pdf := []byte("%PDF-1.4\n%âãÏÓ\n")

	enqueue(t, store, "ventas", "ventas@example.com", "Con adjunto", func(r *models.ValidatedRequest) {
		r.Attachment = base64.StdEncoding.EncodeToString(pdf)
		r.AttachmentMIMEType = "application/pdf"
	})

	d := newTestDispatcher(store, store, mailer, nil, zaptest.NewLogger(t))
	report, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Results[0].AttachmentDropped)

	msgs := mailer.messages()
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].msg.Attachments, 1)
	assert.Equal(t, email.Attachment{
		FileName: "Documento.pdf",
		MIMEType: "application/pdf",
		Data:     pdf,
	}, msgs[0].msg.Attachments[0])
}

func TestRunCycle_StoredAttachment(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mailer := &fakeMailer{}

	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	ref, err := blobs.Put(ctx, "documento_prueba.txt", []byte("hola"))
	require.NoError(t, err)

	enqueue(t, store, "ventas", "ventas@example.com", "Con archivo", func(r *models.ValidatedRequest) {
		r.Attachment = ref
		r.AttachmentMIMEType = "text/plain"
	})

	d := newTestDispatcher(store, store, mailer, blobs, zaptest.NewLogger(t))
	_, err = d.RunCycle(ctx)
	require.NoError(t, err)

	msgs := mailer.messages()
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].msg.Attachments, 1)
	assert.Equal(t, "Documento.txt", msgs[0].msg.Attachments[0].FileName)
	assert.Equal(t, []byte("hola"), msgs[0].msg.Attachments[0].Data)
}

func TestRunCycle_MissingAttachmentIsDropped(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	mailer := &fakeMailer{}

	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	id := enqueue(t, store, "ventas", "ventas@example.com", "Sin archivo", func(r *models.ValidatedRequest) {
		r.Attachment = "/var/lib/mailspool/missing/documento_x.pdf"
		r.AttachmentMIMEType = "application/pdf"
	})

	core, logs := observer.New(zapcore.InfoLevel)
	d := newTestDispatcher(store, store, mailer, blobs, zap.New(core))

	report, err := d.RunCycle(ctx)
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeSent, report.Results[0].Outcome)
	assert.True(t, report.Results[0].AttachmentDropped)

	msgs := mailer.messages()
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].msg.Attachments)

	e, err := store.GetEmail(ctx, id)
	require.NoError(t, err)
	assert.True(t, e.Sent)

	assert.Equal(t, 1, logs.FilterMessage("attachment unavailable, sending without it").Len())
}

func TestRunCycle_AlreadySentIsSkipped(t *testing.T) {
	store := newTestStore(t)
	enqueue(t, store, "ventas", "ventas@example.com", "Doble")

	d := newTestDispatcher(alreadySentQueue{store}, store, &fakeMailer{}, nil, zaptest.NewLogger(t))
	report, err := d.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeSkipped, report.Results[0].Outcome)
	assert.Zero(t, report.Sent)
	assert.Zero(t, report.Failed)
}

func TestRunCycle_StoreUnavailable(t *testing.T) {
	store := newTestStore(t)

	d := newTestDispatcher(brokenQueue{store}, store, &fakeMailer{}, nil, zaptest.NewLogger(t))
	report, err := d.RunCycle(context.Background())

	require.Error(t, err)
	assert.Nil(t, report)
	assert.Equal(t, apperr.KindStoreUnavailable, apperr.KindOf(err))
	assert.ErrorContains(t, err, "connection refused")
}

func TestRunCycle_EmptyQueue(t *testing.T) {
	store := newTestStore(t)
	mailer := &fakeMailer{}

	core, logs := observer.New(zapcore.InfoLevel)
	d := newTestDispatcher(store, store, mailer, nil, zap.New(core))

	report, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Results)
	assert.Empty(t, mailer.messages())
	assert.Equal(t, 1, logs.FilterMessage("no pending emails to send").Len())
}

func TestRunCycle_CancelledContextSkipsRemaining(t *testing.T) {
	store := newTestStore(t)
	mailer := &fakeMailer{}
	enqueue(t, store, "ventas", "ventas@example.com", "Uno")
	enqueue(t, store, "ventas", "ventas@example.com", "Dos")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newTestDispatcher(store, store, mailer, nil, zaptest.NewLogger(t))
	report, err := d.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Skipped)
	assert.Empty(t, mailer.messages())

	pending, err := store.SelectPending(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRunCycle_ConcurrentDispatchersSendOnce(t *testing.T) {
	store := newTestStore(t)
	mailer := &fakeMailer{}

	const total = 40
	for i := 0; i < total; i++ {
		enqueue(t, store, "ventas", "ventas@example.com", fmt.Sprintf("Correo %d", i))
	}

	opts := Options{Workers: 4, BatchSize: 500, SendTimeout: time.Second, ClaimLease: time.Minute}
	resolver := accounts.NewResolver(store)

	var wg sync.WaitGroup
	reports := make([]*Report, 3)
	for i := range reports {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := NewDispatcher(store, resolver, mailer, nil, zap.NewNop(), opts)
			r, err := d.RunCycle(context.Background())
			assert.NoError(t, err)
			reports[i] = r
		}()
	}
	wg.Wait()

	sent := 0
	for _, r := range reports {
		require.NotNil(t, r)
		assert.Zero(t, r.Failed)
		sent += r.Sent
	}
	assert.Equal(t, total, sent)

	seen := make(map[string]bool)
	for _, m := range mailer.messages() {
		assert.False(t, seen[m.msg.Subject], "sent twice: %s", m.msg.Subject)
		seen[m.msg.Subject] = true
	}
	assert.Len(t, seen, total)
}

func TestRunCycle_UsesDispatchClock(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := enqueue(t, store, "ventas", "ventas@example.com", "Reloj")

	e, err := store.GetEmail(ctx, id)
	require.NoError(t, err)
	later := e.ReceivedAt.Add(time.Hour)

	d := newTestDispatcher(store, store, &fakeMailer{}, nil, zaptest.NewLogger(t))
	d.now = func() time.Time { return later }

	_, err = d.RunCycle(ctx)
	require.NoError(t, err)

	e, err = store.GetEmail(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, e.SentAt)
	assert.True(t, later.Equal(*e.SentAt))
}
