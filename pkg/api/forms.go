package api

import "time"

// SubmitRequest представляет отправку формы.
// SubmissionID генерирует клиент: повторная отправка того же ID не создает дубль.
type SubmitRequest struct {
	Fields       map[string]string `json:"fields"`
	SubmissionID string            `json:"submission_id"`
}

// SubmitResponse представляет ответ на принятую форму
type SubmitResponse struct {
	StoredAt     time.Time `json:"stored_at"`
	SubmissionID string    `json:"submission_id"`
	Form         string    `json:"form"`
	Duplicate    bool      `json:"duplicate,omitempty"` // форма с этим ID уже была принята
}
