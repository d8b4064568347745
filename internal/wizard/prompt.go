package wizard

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// prompter reads wizard answers line by line. Answers come from a terminal
// in normal use and from a scripted reader in tests; an exhausted reader
// yields empty answers, which select the defaults.
type prompter struct {
	in  io.Reader
	out io.Writer
	buf *bufio.Reader
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: in, out: out, buf: bufio.NewReader(in)}
}

func (p *prompter) line() string {
	s, _ := p.buf.ReadString('\n')
	return strings.TrimSpace(s)
}

// ask prints the question, showing the default in brackets when there is
// one, and returns the default on an empty answer.
func (p *prompter) ask(question, def string) string {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", question)
	}
	if ans := p.line(); ans != "" {
		return ans
	}
	return def
}

// askInt re-asks until it gets a positive integer.
func (p *prompter) askInt(question string, def int) int {
	for {
		n, err := strconv.Atoi(p.ask(question, strconv.Itoa(def)))
		if err == nil && n > 0 {
			return n
		}
		fmt.Fprintln(p.out, "  Enter a positive number.")
	}
}

// askSecret reads without echo when the input is a real terminal, and falls
// back to a plain line read otherwise (tests, piped input).
func (p *prompter) askSecret(question string) string {
	fmt.Fprintf(p.out, "%s: ", question)
	if f, ok := p.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(p.out)
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.line()
}

// choose prints a numbered menu and re-asks until a valid entry is picked.
// The default entry is marked and selected on an empty answer.
func (p *prompter) choose(question string, options []string, defaultIdx int) string {
	fmt.Fprintln(p.out, question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		fmt.Fprintf(p.out, "%s%d) %s\n", marker, i+1, opt)
	}
	for {
		n, err := strconv.Atoi(p.ask("Choice", strconv.Itoa(defaultIdx+1)))
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		fmt.Fprintf(p.out, "  Enter a number between 1 and %d.\n", len(options))
	}
}
