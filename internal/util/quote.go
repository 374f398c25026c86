package util

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// safeArg matches arguments that can be passed to a POSIX shell without
// quoting. Kept deliberately conservative: anything outside this set gets
// single-quoted.
const safeArgChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789@%+=:,./-_"

// ShellQuote quotes a single string for use as a POSIX shell word.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !strings.ContainsRune(safeArgChars, r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	// Single-quote the word and escape embedded single quotes by ending the
	// quoted section, emitting \' and starting a new quoted section.
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// QuoteArgs joins argv into a single shell command line with each argument
// quoted individually.
func QuoteArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = ShellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

// Which finds the pathnames of a program on the executable search path.
// It returns every match instead of just the first one.
func Which(program string) []string {
	var matches []string
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		if dir == "" {
			continue
		}
		pathname := filepath.Join(dir, program)
		info, err := os.Stat(pathname)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode().Perm()&0o111 != 0 {
			matches = append(matches, pathname)
		}
	}
	return matches
}

// NewID returns a unique identifier suitable for temp file names and run IDs.
func NewID() string {
	return uuid.New().String()
}
