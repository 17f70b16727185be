package models

import "time"

// EmailAccount holds the SMTP credentials selected by an alias.
type EmailAccount struct {
	Alias      string `json:"alias" yaml:"alias"`
	Email      string `json:"email" yaml:"email"`
	Password   string `json:"-" yaml:"password"`
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port"`
	Encryption string `json:"encryption" yaml:"encryption"`
}

const (
	DefaultHost       = "smtp.gmail.com"
	DefaultPort       = 587
	DefaultEncryption = "tls"
)

// ApplyDefaults fills unset transport settings the same way the
// accounts table does.
func (a *EmailAccount) ApplyDefaults() {
	if a.Host == "" {
		a.Host = DefaultHost
	}
	if a.Port == 0 {
		a.Port = DefaultPort
	}
	if a.Encryption == "" {
		a.Encryption = DefaultEncryption
	}
}

// RawRequest is the intake payload as received. Every field is optional
// here; presence is checked explicitly by the validator.
type RawRequest struct {
	Subject    string `json:"asunto"`
	Body       string `json:"cuerpo"`
	Sender     string `json:"remitente"`
	Recipients string `json:"destinatario"`
	Alias      string `json:"alias"`
	Cc         string `json:"cc"`
	Bcc        string `json:"cco"`
	Attachment string `json:"adjunto"`
}

// ValidatedRequest is ready to be queued. Attachment holds the content
// store reference, never the raw payload.
type ValidatedRequest struct {
	Subject            string
	Body               string
	Sender             string
	Recipients         string
	Alias              string
	Cc                 string
	Bcc                string
	Attachment         string
	AttachmentMIMEType string
}

// QueuedEmail is one persisted request awaiting or past dispatch.
type QueuedEmail struct {
	ID                 int64      `json:"id"`
	Subject            string     `json:"subject"`
	Body               string     `json:"body"`
	Sender             string     `json:"sender"`
	Recipients         string     `json:"recipients"`
	Cc                 string     `json:"cc,omitempty"`
	Bcc                string     `json:"bcc,omitempty"`
	Attachment         string     `json:"attachment,omitempty"`
	AttachmentMIMEType string     `json:"attachment_mime_type,omitempty"`
	Alias              string     `json:"alias"`
	ReceivedAt         time.Time  `json:"received_at"`
	SentAt             *time.Time `json:"sent_at,omitempty"`
	Sent               bool       `json:"sent"`
}
