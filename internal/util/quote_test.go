package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShellQuote(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "''"},
		{"plain word", "hello", "hello"},
		{"path", "/usr/local/bin/tool", "/usr/local/bin/tool"},
		{"space", "hello world", "'hello world'"},
		{"dollar", "$HOME", "'$HOME'"},
		{"single quote", "it's", `'it'"'"'s'`},
		{"glob", "*.log", "'*.log'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShellQuote(tt.in))
		})
	}
}

func TestQuoteArgs(t *testing.T) {
	assert.Equal(t, "ls -l 'my file'", QuoteArgs([]string{"ls", "-l", "my file"}))
	assert.Equal(t, "", QuoteArgs(nil))
}

func TestWhich(t *testing.T) {
	matches := Which("sh")
	assert.NotEmpty(t, matches)

	assert.Empty(t, Which("definitely-not-a-real-program-4b825dc6"))
}

func TestNewID(t *testing.T) {
	assert.NotEqual(t, NewID(), NewID())
}
