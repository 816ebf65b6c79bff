package main

import (
	"bufio"
	"fmt"

	"golang.org/x/term"

	"mixminion.io/client/internal/clistate"
	"mixminion.io/client/internal/keyring"
)

// passwordFunc returns a keyring.PasswordFunc that reads from the
// controlling terminal, falling back to a plain stdin line when
// stdin is not a terminal (so tests and shell pipelines work).
// Grounded on this component's description of the default CLI behavior.
func passwordFunc(s *clistate.State) keyring.PasswordFunc {
	return func(prompt string) (string, error) {
		fmt.Fprint(s.Stderr, prompt)
		fd := int(s.Stdin.Fd())
		if term.IsTerminal(fd) {
			b, err := term.ReadPassword(fd)
			fmt.Fprintln(s.Stderr)
			if err != nil {
				return "", err
			}
			return string(b), nil
		}
		line, err := bufio.NewReader(s.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		return trimNewline(line), nil
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
