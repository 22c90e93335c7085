package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/sessionguard/internal/models"
	"github.com/iudanet/sessionguard/internal/server/storage"
	"github.com/iudanet/sessionguard/internal/validation"
	"github.com/iudanet/sessionguard/pkg/api"
)

// FormsHandler принимает отправленные формы
type FormsHandler struct {
	logger      *slog.Logger
	submissions storage.SubmissionStorage
	now         func() time.Time
}

// NewFormsHandler создает handler форм
func NewFormsHandler(logger *slog.Logger, submissions storage.SubmissionStorage) *FormsHandler {
	return &FormsHandler{
		logger:      logger,
		submissions: submissions,
		now:         time.Now,
	}
}

// Submit обрабатывает POST /api/v1/forms/{form}.
// Новая отправка отвечает 201, повтор с тем же submission_id - 200 и исходными данными.
func (h *FormsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserID(ctx)
	if !ok {
		sendError(h.logger, w, "unauthorized", http.StatusUnauthorized)
		return
	}

	form := r.PathValue("form")
	if err := validation.ValidateFormName(form); err != nil {
		sendError(h.logger, w, err.Error(), http.StatusBadRequest)
		return
	}

	var req api.SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.logger.WarnContext(ctx, "failed to decode submission", slog.Any("error", err))
		sendError(h.logger, w, "invalid request body", http.StatusBadRequest)
		return
	}

	if _, err := uuid.Parse(req.SubmissionID); err != nil {
		sendError(h.logger, w, "submission_id must be a UUID", http.StatusBadRequest)
		return
	}

	if err := validation.ValidateFields(req.Fields); err != nil {
		sendValidationError(h.logger, w, err)
		return
	}

	stored, created, err := h.submissions.SaveSubmission(ctx, &models.Submission{
		ID:       req.SubmissionID,
		UserID:   userID,
		Form:     form,
		Fields:   req.Fields,
		StoredAt: h.now(),
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to save submission", slog.Any("error", err))
		sendError(h.logger, w, "internal server error", http.StatusInternalServerError)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
		h.logger.InfoContext(ctx, "duplicate submission",
			slog.String("user_id", userID),
			slog.String("submission_id", stored.ID))
	} else {
		h.logger.InfoContext(ctx, "submission stored",
			slog.String("user_id", userID),
			slog.String("form", form),
			slog.String("submission_id", stored.ID))
	}

	sendJSON(h.logger, w, api.SubmitResponse{
		SubmissionID: stored.ID,
		Form:         stored.Form,
		StoredAt:     stored.StoredAt,
		Duplicate:    !created,
	}, status)
}
