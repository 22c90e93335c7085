package iocli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Stdio работает с терминалом процесса
type Stdio struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
}

// NewStdio creates an IO over os.Stdin and os.Stdout
func NewStdio() IO {
	return NewStream(os.Stdin, os.Stdout)
}

// NewStream creates an IO over arbitrary streams. Passwords are read without echo
// only when in is a terminal.
func NewStream(in *os.File, out io.Writer) IO {
	return &Stdio{
		in:  bufio.NewReader(in),
		out: out,
		fd:  int(in.Fd()),
	}
}

func (s *Stdio) Write(p []byte) (int, error) {
	return s.out.Write(p)
}

func (s *Stdio) Println(a ...any) {
	_, _ = fmt.Fprintln(s.out, a...)
}

func (s *Stdio) Printf(format string, a ...any) {
	_, _ = fmt.Fprintf(s.out, format, a...)
}

// ReadInput печатает prompt и читает строку без завершающих пробелов.
// Один reader на все вызовы: иначе буферизованный ввод теряется между prompt'ами.
func (s *Stdio) ReadInput(prompt string) (string, error) {
	s.Printf("%s", prompt)
	input, err := s.in.ReadString('\n')
	if err != nil && (err != io.EOF || input == "") {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// ReadPassword читает пароль без отображения на экране.
// Если ввод не терминал (pipe), пароль читается как обычная строка.
func (s *Stdio) ReadPassword(prompt string) (string, error) {
	if !term.IsTerminal(s.fd) {
		return s.ReadInput(prompt)
	}

	s.Printf("%s", prompt)
	pwBytes, err := term.ReadPassword(s.fd)
	s.Println()
	if err != nil {
		return "", err
	}
	return string(pwBytes), nil
}
