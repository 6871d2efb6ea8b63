package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// test seams for the terminal
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

// Prompter reads answers from the user, one line each.
type Prompter struct {
	reader *bufio.Reader
	w      io.Writer
	stdin  bool
}

func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Prompter{reader: br, w: w, stdin: r == os.Stdin}
}

// Text prints prompt and returns the trimmed line typed in reply. A partial
// last line before EOF is accepted.
func (p *Prompter) Text(prompt string) (string, error) {
	if _, err := fmt.Fprintf(p.w, "%s: ", prompt); err != nil {
		return "", err
	}
	return p.line()
}

// Password reads without echo when stdin is a terminal, else a plain line.
func (p *Prompter) Password(prompt string) (string, error) {
	if _, err := fmt.Fprintf(p.w, "%s: ", prompt); err != nil {
		return "", err
	}
	if p.stdin && isTerminal(int(os.Stdin.Fd())) {
		pw, err := readPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(p.w)
		if err != nil {
			return "", err
		}
		return string(pw), nil
	}
	return p.line()
}

func (p *Prompter) line() (string, error) {
	line, err := p.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// valueOr returns flag when set, else asks.
func (p *Prompter) valueOr(flag, prompt string) (string, error) {
	if strings.TrimSpace(flag) != "" {
		return strings.TrimSpace(flag), nil
	}
	return p.Text(prompt)
}
