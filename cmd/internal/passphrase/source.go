// Package passphrase resolves the module keystore passphrase.
package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves the passphrase once, from an environment variable or a terminal
// prompt, and caches the result.
type Source struct {
	envVar string
	lookup func(string) (string, bool)
	prompt func() (string, error)

	once  sync.Once
	value string
	err   error
}

// NewSource checks envVar before prompting on the controlling terminal.
func NewSource(envVar string) *Source {
	return &Source{
		envVar: strings.TrimSpace(envVar),
		lookup: os.LookupEnv,
		prompt: promptTerminal,
	}
}

// Get returns the passphrase. Blank passphrases are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := s.lookup(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}
		value, err := s.prompt()
		if err != nil {
			if s.envVar != "" {
				s.err = fmt.Errorf("module keystore passphrase required; set %s or run interactively: %w", s.envVar, err)
			} else {
				s.err = err
			}
			return
		}
		if strings.TrimSpace(value) == "" {
			s.err = errors.New("module keystore passphrase cannot be empty")
			return
		}
		s.value = value
	})
	return s.value, s.err
}

func promptTerminal() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal available")
	}
	fmt.Fprint(os.Stderr, "Enter module keystore passphrase: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(raw), nil
}
