package attachment

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"MailSpool/internal/apperr"
)

const (
	// MaxSizeMiB is the largest decoded attachment accepted at intake.
	MaxSizeMiB = 18

	FilePrefix      = "documento_"
	DefaultMIMEType = "application/octet-stream"
)

var dataURLPrefix = regexp.MustCompile(`^data:[\w.+/-]+;base64,`)

var extensions = map[string]string{
	"application/pdf":    "pdf",
	"text/plain":         "txt",
	"application/msword": "doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": "docx",
	"application/vnd.ms-excel": "xls",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": "xlsx",
}

// Decoded is an attachment payload after validation and type detection.
type Decoded struct {
	Data      []byte
	MIMEType  string
	Extension string
	FileName  string
}

// Decode validates a base64 attachment, optionally prefixed with a
// data URL header, and sniffs its type from the decoded bytes.
func Decode(raw string) (*Decoded, error) {
	payload := StripDataURL(raw)
	if payload == "" {
		return nil, apperr.BadEncoding(errors.New("empty payload"))
	}

	data, err := decodeStrict(payload)
	if err != nil {
		return nil, apperr.BadEncoding(err)
	}

	sizeMiB := float64(len(data)) / (1024 * 1024)
	if sizeMiB > MaxSizeMiB {
		return nil, apperr.TooLarge(sizeMiB, MaxSizeMiB)
	}

	mimeType := DetectMIME(data)
	ext := ExtensionFor(mimeType)

	return &Decoded{
		Data:      data,
		MIMEType:  mimeType,
		Extension: ext,
		FileName:  FilePrefix + uuid.NewString() + "." + ext,
	}, nil
}

// DecodeInline reports whether ref is itself a strict base64 payload and
// returns its bytes. Stored references (paths, s3 URLs) never qualify.
func DecodeInline(ref string) ([]byte, bool) {
	if ref == "" {
		return nil, false
	}
	data, err := decodeStrict(ref)
	if err != nil {
		return nil, false
	}
	return data, true
}

// StripDataURL removes a leading "data:<mime>;base64," header if present.
func StripDataURL(raw string) string {
	return dataURLPrefix.ReplaceAllString(raw, "")
}

// DetectMIME returns the media type of data without parameters.
func DetectMIME(data []byte) string {
	mediaType, _, _ := strings.Cut(mimetype.Detect(data).String(), ";")
	return strings.TrimSpace(mediaType)
}

// ExtensionFor maps a media type to the file extension used for storage.
func ExtensionFor(mimeType string) string {
	if ext, ok := extensions[mimeType]; ok {
		return ext
	}
	return "bin"
}

// DisplayName is the file name shown to recipients.
func DisplayName(mimeType string) string {
	if mimeType == "" {
		mimeType = DefaultMIMEType
	}
	return "Documento." + ExtensionFor(mimeType)
}

func decodeStrict(s string) ([]byte, error) {
	data, err := base64.StdEncoding.Strict().DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	// The decoder skips CR and LF, so compare the canonical encoding.
	if base64.StdEncoding.EncodeToString(data) != s {
		return nil, errors.New("base64 payload does not round-trip")
	}
	return data, nil
}
