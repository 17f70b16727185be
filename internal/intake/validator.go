package intake

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"MailSpool/internal/address"
	"MailSpool/internal/apperr"
	"MailSpool/internal/attachment"
	"MailSpool/internal/blob"
	"MailSpool/internal/models"
)

const maxSubjectLength = 255

type AccountResolver interface {
	Resolve(ctx context.Context, alias string) (*models.EmailAccount, error)
}

// Validator turns a RawRequest into a ValidatedRequest. The only side
// effect is writing a decoded attachment to the content store.
type Validator struct {
	accounts AccountResolver
	blobs    blob.Store
	log      *zap.Logger
}

func NewValidator(accounts AccountResolver, blobs blob.Store, log *zap.Logger) *Validator {
	return &Validator{accounts: accounts, blobs: blobs, log: log}
}

func (v *Validator) Validate(ctx context.Context, raw models.RawRequest) (*models.ValidatedRequest, error) {
	req := models.ValidatedRequest{
		Subject:    raw.Subject,
		Body:       raw.Body,
		Sender:     strings.TrimSpace(raw.Sender),
		Recipients: strings.TrimSpace(raw.Recipients),
		Alias:      strings.TrimSpace(raw.Alias),
		Cc:         strings.TrimSpace(raw.Cc),
		Bcc:        strings.TrimSpace(raw.Bcc),
	}

	if missing := missingFields(raw); len(missing) > 0 {
		v.log.Warn("missing required fields", zap.Strings("fields", missing))
		return nil, apperr.MissingFields(missing)
	}

	if utf8.RuneCountInString(req.Subject) > maxSubjectLength {
		return nil, apperr.InvalidField("asunto", "El asunto no puede tener más de 255 caracteres.")
	}

	account, err := v.accounts.Resolve(ctx, req.Alias)
	if err != nil {
		return nil, err
	}

	if req.Sender != account.Email {
		v.log.Warn("sender does not match account",
			zap.String("alias", req.Alias),
			zap.String("sender", req.Sender),
			zap.String("account_email", account.Email),
		)
		return nil, apperr.SenderMismatch(req.Sender, account.Email)
	}

	if !address.Valid(req.Sender) {
		return nil, apperr.InvalidAddress("remitente", req.Sender)
	}
	if err := address.Validate(req.Recipients, "destinatario"); err != nil {
		return nil, err
	}
	if req.Cc != "" {
		if err := address.Validate(req.Cc, "cc"); err != nil {
			return nil, err
		}
	}
	if req.Bcc != "" {
		if err := address.Validate(req.Bcc, "cco"); err != nil {
			return nil, err
		}
	}

	if strings.TrimSpace(raw.Attachment) != "" {
		// the payload itself is decoded untrimmed; surrounding whitespace is not base64
		if err := v.storeAttachment(ctx, raw.Attachment, &req); err != nil {
			return nil, err
		}
	}

	return &req, nil
}

func (v *Validator) storeAttachment(ctx context.Context, payload string, req *models.ValidatedRequest) error {
	decoded, err := attachment.Decode(payload)
	if err != nil {
		v.log.Warn("attachment rejected",
			zap.String("alias", req.Alias),
			zap.Int("payload_length", len(payload)),
			zap.Error(err),
		)
		return err
	}

	ref, err := v.blobs.Put(ctx, decoded.FileName, decoded.Data)
	if err != nil {
		return apperr.StoreUnavailable("store attachment", err)
	}

	v.log.Info("attachment stored",
		zap.String("ref", ref),
		zap.String("mime_type", decoded.MIMEType),
		zap.Int("size", len(decoded.Data)),
	)

	req.Attachment = ref
	req.AttachmentMIMEType = decoded.MIMEType
	return nil
}

func missingFields(raw models.RawRequest) []string {
	required := []struct {
		name  string
		value string
	}{
		{"asunto", raw.Subject},
		{"cuerpo", raw.Body},
		{"remitente", raw.Sender},
		{"destinatario", raw.Recipients},
		{"alias", raw.Alias},
	}

	var missing []string
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}
