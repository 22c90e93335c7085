// Package models описывает сущности, которые хранит сервер.
package models

import "time"

// User представляет пользователя в системе
type User struct {
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	ID           string     `json:"id"`            // UUID пользователя
	Username     string     `json:"username"`      // уникальный username
	PasswordHash string     `json:"password_hash"` // argon2id, формат crypto.HashPassword
}

// RefreshToken представляет выданный refresh token.
// Токен одноразовый: при refresh он удаляется и выдается новый.
type RefreshToken struct {
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
}
