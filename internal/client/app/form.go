package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/iudanet/sessionguard/internal/apperr"
	"github.com/iudanet/sessionguard/internal/client/retry"
	"github.com/iudanet/sessionguard/internal/validation"
	pkgapi "github.com/iudanet/sessionguard/pkg/api"
)

// KindForm - вид записи очереди для отправки формы
const KindForm = "form"

// formPayload хранится в очереди; SubmissionID делает повтор идемпотентным
type formPayload struct {
	Fields       map[string]string `json:"fields"`
	Form         string            `json:"form"`
	SubmissionID string            `json:"submission_id"`
}

// Submit validates and sends a form through the retry engine.
// Offline submissions are queued when the config allows it.
func (a *App) Submit(ctx context.Context, form string, fields map[string]string) retry.Outcome {
	p := formPayload{
		Form:         form,
		Fields:       fields,
		SubmissionID: uuid.NewString(),
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return retry.Outcome{Status: retry.StatusFailed, Err: fmt.Errorf("failed to encode form: %w", err)}
	}

	return a.Engine.Attempt(ctx, retry.Request{
		Kind:    KindForm,
		Payload: payload,
		Validate: func() error {
			if err := validation.ValidateFormName(form); err != nil {
				return &apperr.ValidationError{Fields: map[string]string{"form": err.Error()}}
			}
			return validation.ValidateFields(fields)
		},
		Submit: func(ctx context.Context) (json.RawMessage, error) {
			resp, err := a.submitForm(ctx, p)
			if err != nil {
				return nil, err
			}
			return json.Marshal(resp)
		},
	}, retry.Options{})
}

// replayForm - обработчик очереди для KindForm
func (a *App) replayForm(ctx context.Context, payload json.RawMessage) error {
	var p formPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrCorruptData, err)
	}

	resp, err := a.submitForm(ctx, p)
	if err != nil {
		if apperr.Classify(err) == apperr.KindAuthExpired {
			a.Store.Logout()
		}
		return err
	}

	a.Logger.Info("queued form delivered",
		"form", resp.Form,
		"submission_id", resp.SubmissionID,
		"duplicate", resp.Duplicate)
	return nil
}

func (a *App) submitForm(ctx context.Context, p formPayload) (*pkgapi.SubmitResponse, error) {
	token, err := a.freshToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := a.API.SubmitForm(ctx, token, p.Form, pkgapi.SubmitRequest{
		SubmissionID: p.SubmissionID,
		Fields:       p.Fields,
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// IsQueued reports whether the submission waits in the offline queue
func IsQueued(out retry.Outcome) bool {
	return out.Status == retry.StatusQueued && out.QueueID != ""
}

// OutcomeError returns a user-facing error for out, or nil on success or queueing
func OutcomeError(out retry.Outcome) error {
	switch out.Status {
	case retry.StatusSuccess, retry.StatusQueued:
		return nil
	}
	if out.Err == nil {
		return errors.New(out.Status.String())
	}
	return out.Err
}
