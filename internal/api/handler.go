package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"MailSpool/internal/apperr"
	"MailSpool/internal/metrics"
	"MailSpool/internal/models"
)

const (
	msgQueued       = "Correo en cola exitosamente"
	msgInvalidJSON  = "JSON inválido"
	msgTooLarge     = "La solicitud excede el tamaño máximo permitido"
	msgRequestError = "Error al procesar la solicitud: "
)

type RequestValidator interface {
	Validate(ctx context.Context, raw models.RawRequest) (*models.ValidatedRequest, error)
}

type Enqueuer interface {
	InsertEmail(ctx context.Context, req *models.ValidatedRequest) (int64, error)
}

type Handler struct {
	Validator       RequestValidator
	Queue           Enqueuer
	Log             *zap.Logger
	MaxRequestBytes int64
}

type enqueueResponse struct {
	Message string `json:"mensaje"`
	ID      int64  `json:"id"`
}

type missingFieldsResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details"`
}

// Enqueue validates an email request and stores it for the next dispatch
// cycle. Nothing is sent here.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	if h.MaxRequestBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxRequestBytes)
	}

	var raw models.RawRequest
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteError(w, http.StatusRequestEntityTooLarge, msgTooLarge)
			return
		}
		WriteError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	req, err := h.Validator.Validate(r.Context(), raw)
	if err != nil {
		h.writeValidationError(w, err)
		return
	}

	id, err := h.Queue.InsertEmail(r.Context(), req)
	if err != nil {
		h.Log.Error("failed to queue email", zap.String("alias", req.Alias), zap.Error(err))
		WriteError(w, http.StatusInternalServerError, msgRequestError+err.Error())
		return
	}

	metrics.EmailsQueued.Inc()
	h.Log.Info("email queued",
		zap.Int64("request_id", id),
		zap.String("alias", req.Alias),
		zap.Bool("attachment", req.Attachment != ""),
	)

	WriteJSON(w, http.StatusCreated, enqueueResponse{Message: msgQueued, ID: id})
}

func (h *Handler) writeValidationError(w http.ResponseWriter, err error) {
	e := apperr.As(err)
	if e == nil {
		h.Log.Error("unexpected validation error", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, msgRequestError+err.Error())
		return
	}

	switch e.Kind {
	case apperr.KindMissingField:
		WriteJSON(w, http.StatusUnprocessableEntity, missingFieldsResponse{Error: e.Msg, Details: e.Details})
	case apperr.KindInvalidField,
		apperr.KindInvalidAddress,
		apperr.KindSenderMismatch,
		apperr.KindUnknownAlias,
		apperr.KindBadEncoding,
		apperr.KindTooLarge:
		h.Log.Info("email request rejected",
			zap.String("kind", string(e.Kind)),
			zap.String("field", e.Field),
		)
		WriteError(w, http.StatusUnprocessableEntity, e.Msg)
	default:
		h.Log.Error("failed to validate email request", zap.Error(err))
		WriteError(w, http.StatusInternalServerError, msgRequestError+err.Error())
	}
}
