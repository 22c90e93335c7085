// Package iocli отделяет команды от терминала, чтобы их можно было тестировать.
package iocli

import "io"

//go:generate moq -out io_mock.go . IO

// IO - ввод и вывод команд. Write позволяет отдавать IO в cobra как stdout.
type IO interface {
	io.Writer
	Println(a ...any)
	Printf(format string, a ...any)
	ReadInput(prompt string) (string, error)
	ReadPassword(prompt string) (string, error)
}
