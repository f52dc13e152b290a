package secret

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSource(env map[string]string, terminal bool, typed string, readErr error) (*Source, *bytes.Buffer) {
	var prompt bytes.Buffer
	s := NewSource("FUNDCTL_TOKEN", "admin token")
	s.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	s.isTerminal = func() bool { return terminal }
	s.readSecret = func() ([]byte, error) { return []byte(typed), readErr }
	s.prompt = &prompt
	return s, &prompt
}

func TestSourcePrefersEnvironment(t *testing.T) {
	s, prompt := testSource(map[string]string{"FUNDCTL_TOKEN": " abc \n"}, true, "typed", nil)
	value, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, "abc", value)
	require.Zero(t, prompt.Len())
}

func TestSourceRejectsEmptyEnvironment(t *testing.T) {
	s, _ := testSource(map[string]string{"FUNDCTL_TOKEN": "  "}, true, "typed", nil)
	_, err := s.Get()
	require.ErrorContains(t, err, "set but empty")
}

func TestSourcePromptsOnTerminal(t *testing.T) {
	s, prompt := testSource(nil, true, "typed", nil)
	value, err := s.Get()
	require.NoError(t, err)
	require.Equal(t, "typed", value)
	require.Contains(t, prompt.String(), "Enter admin token")

	// Cached after the first call.
	s.readSecret = func() ([]byte, error) { return nil, errors.New("not called") }
	value, err = s.Get()
	require.NoError(t, err)
	require.Equal(t, "typed", value)
}

func TestSourceWithoutTerminal(t *testing.T) {
	s, _ := testSource(nil, false, "", nil)
	_, err := s.Get()
	require.ErrorContains(t, err, "FUNDCTL_TOKEN")

	s, _ = testSource(nil, true, "   ", nil)
	_, err = s.Get()
	require.ErrorContains(t, err, "cannot be empty")
}
