package secret

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves an operator secret from an environment variable or
// by prompting on the terminal. The value is cached after the first
// successful retrieval.
type Source struct {
	envVar string
	label  string

	// Overridable in tests.
	lookupEnv  func(string) (string, bool)
	isTerminal func() bool
	readSecret func() ([]byte, error)
	prompt     io.Writer

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a source that checks envVar before prompting for label.
func NewSource(envVar, label string) *Source {
	fd := int(os.Stdin.Fd())
	return &Source{
		envVar:     strings.TrimSpace(envVar),
		label:      strings.TrimSpace(label),
		lookupEnv:  os.LookupEnv,
		isTerminal: func() bool { return term.IsTerminal(fd) },
		readSecret: func() ([]byte, error) { return term.ReadPassword(fd) },
		prompt:     os.Stderr,
	}
}

// Get returns the cached secret or resolves it on first use. Whitespace-only
// values are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := s.lookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = strings.TrimSpace(value)
				return
			}
		}

		if !s.isTerminal() {
			if s.envVar != "" {
				s.err = fmt.Errorf("%s required; set %s or run interactively", s.label, s.envVar)
			} else {
				s.err = fmt.Errorf("%s required and no terminal available", s.label)
			}
			return
		}

		fmt.Fprintf(s.prompt, "Enter %s: ", s.label)
		bytes, err := s.readSecret()
		fmt.Fprintln(s.prompt)
		if err != nil {
			s.err = fmt.Errorf("failed to read %s: %w", s.label, err)
			return
		}

		value := strings.TrimSpace(string(bytes))
		if value == "" {
			s.err = errors.New(s.label + " cannot be empty")
			return
		}
		s.value = value
	})

	return s.value, s.err
}
