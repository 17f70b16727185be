package email

import (
	"context"
	"fmt"
	"io"
	"strings"

	"gopkg.in/gomail.v2"

	"MailSpool/internal/models"
)

// Transport holds the SMTP settings for a single send. A new value is
// built for every message; nothing about it is shared between sends.
type Transport struct {
	Host       string
	Port       int
	Encryption string
	Username   string
	Password   string
}

// TransportFor derives the transport of an account. The account email
// doubles as the SMTP username.
func TransportFor(a *models.EmailAccount) Transport {
	return Transport{
		Host:       a.Host,
		Port:       a.Port,
		Encryption: strings.ToLower(strings.TrimSpace(a.Encryption)),
		Username:   a.Email,
		Password:   a.Password,
	}
}

type Message struct {
	From        string
	FromName    string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	HTMLBody    string
	Attachments []Attachment
}

type Attachment struct {
	FileName string
	MIMEType string
	Data     []byte
}

// Mailer delivers one message with the given transport.
type Mailer interface {
	Send(ctx context.Context, t Transport, m *Message) error
}

// Sender is the gomail backed Mailer.
type Sender struct {
	dialAndSend func(d *gomail.Dialer, m *gomail.Message) error
}

func NewSender() *Sender {
	return &Sender{
		dialAndSend: func(d *gomail.Dialer, m *gomail.Message) error {
			return d.DialAndSend(m)
		},
	}
}

// Send delivers m and gives up when ctx is done. gomail has no overall
// deadline, so an abandoned send keeps its goroutine until the
// connection drops.
func (s *Sender) Send(ctx context.Context, t Transport, m *Message) error {
	// never start a send for a context that is already done
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("smtp send via %s:%d: %w", t.Host, t.Port, err)
	}

	gm := buildMessage(m)
	d := newDialer(t)

	done := make(chan error, 1)
	go func() {
		done <- s.dialAndSend(d, gm)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send via %s:%d: %w", t.Host, t.Port, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp send via %s:%d: %w", t.Host, t.Port, ctx.Err())
	}
}

func newDialer(t Transport) *gomail.Dialer {
	d := gomail.NewDialer(t.Host, t.Port, t.Username, t.Password)

	switch t.Encryption {
	case "ssl", "smtps":
		d.SSL = true
	case "tls", "starttls", "none":
		// STARTTLS is negotiated by gomail whenever the server offers it.
		d.SSL = false
	}

	return d
}

func buildMessage(m *Message) *gomail.Message {
	gm := gomail.NewMessage()

	gm.SetAddressHeader("From", m.From, m.FromName)
	gm.SetHeader("To", m.To...)
	if len(m.Cc) > 0 {
		gm.SetHeader("Cc", m.Cc...)
	}
	if len(m.Bcc) > 0 {
		gm.SetHeader("Bcc", m.Bcc...)
	}
	gm.SetHeader("Subject", m.Subject)
	gm.SetBody("text/html", m.HTMLBody)

	for _, a := range m.Attachments {
		data := a.Data
		gm.Attach(a.FileName,
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
			gomail.SetHeader(map[string][]string{
				"Content-Type": {a.MIMEType + `; name="` + a.FileName + `"`},
			}),
		)
	}

	return gm
}
