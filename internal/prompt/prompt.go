// Package prompt implements the interactive password entry and timed
// yes/no confirmations the CLI driver uses outside --batch mode.
//
// The original Python implementation polled msvcrt.kbhit() in a
// Windows-only busy loop (original_source/email_downloader.py
// timed_input). Go has cancellable I/O, so this reimplements the same
// "default answer after N seconds" contract with a context timeout
// racing a line read on a background goroutine instead.
package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

// Password prompts on stderr and reads a line from in without echoing
// it, when in is a terminal. Falls back to a plain line read otherwise
// (e.g. when piped in tests).
func Password(prompt string, in *os.File) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)

	if term.IsTerminal(int(in.Fd())) {
		b, err := term.ReadPassword(int(in.Fd()))
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadLine prints prompt on stderr and reads one line from in, with no
// timeout. Grounded on original_source/email_downloader.py's manual
// server fallback (`input("Do you want to enter the server
// manually?...")`), which blocks indefinitely rather than racing a
// deadline the way Confirm does.
func ReadLine(prompt string, in io.Reader) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Confirm asks a yes/no question on stderr with a timeout, returning
// def if no answer arrives in time. The read runs on its own goroutine
// so a timeout never blocks on stdin forever; the goroutine is
// abandoned (not joined) if it times out, same as the original's
// best-effort semantics.
func Confirm(ctx context.Context, question string, in io.Reader, timeout time.Duration, def bool) bool {
	fmt.Fprintf(os.Stderr, "%s [%ds]: ", question, int(timeout.Seconds()))

	answers := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(in)
		line, _ := reader.ReadString('\n')
		answers <- strings.TrimSpace(strings.ToLower(line))
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case ans := <-answers:
		fmt.Fprintln(os.Stderr)
		if ans == "" {
			return def
		}
		return ans == "y" || ans == "yes"
	case <-ctx.Done():
		fmt.Fprintf(os.Stderr, "\ntimed out, defaulting to %v\n", def)
		return def
	}
}
