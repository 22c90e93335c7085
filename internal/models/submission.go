package models

import "time"

// Submission - принятая форма. Пара (UserID, ID) уникальна,
// повторная отправка с тем же ID возвращает уже сохраненную запись.
type Submission struct {
	StoredAt time.Time         `json:"stored_at"`
	Fields   map[string]string `json:"fields"`
	ID       string            `json:"id"` // submission_id, генерирует клиент
	UserID   string            `json:"user_id"`
	Form     string            `json:"form"`
}
