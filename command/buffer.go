package command

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// backing identifies the storage strategy chosen for one stream of an
// external command.
type backing int

const (
	// backingInherit passes the parent's stream through to the child.
	backingInherit backing = iota
	// backingPipe buffers the stream in memory, fed by the pipe the exec
	// runtime creates. Only safe in synchronous mode where exactly one
	// process is waited on at a time.
	backingPipe
	// backingTempFile redirects the stream to a uniquely named temporary
	// file so the OS side writer can never block on a reader. Used for
	// capture in asynchronous mode.
	backingTempFile
	// backingNull redirects the stream to the platform null device.
	backingNull
	// backingExternal redirects the stream to a caller supplied file. The
	// buffer owns nothing: the descriptor and the file stay with the caller.
	backingExternal
	// backingInput feeds caller supplied bytes to the child's stdin.
	backingInput
)

// streamBuffer manages the backing storage for one stream of an external
// command for the duration of a single invocation. A temp file backed buffer
// owns and deletes its file on finalize; an external file backed buffer owns
// neither the descriptor nor the file.
type streamBuffer struct {
	name   string // stdin, stdout or stderr, used in error messages
	mode   backing
	buf    *bytes.Buffer // pipe backing
	file   *os.File      // temp file or null device (owned), external file (not owned)
	path   string        // temp file pathname
	cached []byte
	loaded bool
}

// newOutputBuffer selects the backing for stdout or stderr according to the
// capture configuration and execution mode.
func newOutputBuffer(name string, external *os.File, capture, asynchronous, silent bool) (*streamBuffer, error) {
	sb := &streamBuffer{name: name}
	switch {
	case external != nil:
		sb.mode = backingExternal
		sb.file = external
	case capture && !asynchronous:
		sb.mode = backingPipe
		sb.buf = new(bytes.Buffer)
	case capture:
		f, err := os.CreateTemp("", "execmesh-"+name+"-*")
		if err != nil {
			return nil, fmt.Errorf("create temporary file for %s: %w", name, err)
		}
		sb.mode = backingTempFile
		sb.file = f
		sb.path = f.Name()
	case silent:
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("open null device for %s: %w", name, err)
		}
		sb.mode = backingNull
		sb.file = f
	default:
		sb.mode = backingInherit
	}
	return sb, nil
}

// newInputBuffer selects the backing for stdin. Caller supplied input wins,
// then an external file, then the parent's terminal; when the command should
// not expect an interactive terminal stdin reads from the null device.
func newInputBuffer(input []byte, external *os.File, tty bool) (*streamBuffer, error) {
	sb := &streamBuffer{name: "stdin"}
	switch {
	case input != nil:
		sb.mode = backingInput
		sb.cached = input
	case external != nil:
		sb.mode = backingExternal
		sb.file = external
	case tty:
		sb.mode = backingInherit
	default:
		f, err := os.Open(os.DevNull)
		if err != nil {
			return nil, fmt.Errorf("open null device for stdin: %w", err)
		}
		sb.mode = backingNull
		sb.file = f
	}
	return sb, nil
}

// reader returns the io.Reader to wire into the child's stdin, or nil for
// the inherit case (resolved by the caller).
func (sb *streamBuffer) reader() io.Reader {
	switch sb.mode {
	case backingInput:
		return bytes.NewReader(sb.cached)
	case backingExternal, backingNull:
		return sb.file
	default:
		return nil
	}
}

// writer returns the io.Writer to wire into the child's stdout/stderr, or
// nil for the inherit case (resolved by the caller).
func (sb *streamBuffer) writer() io.Writer {
	switch sb.mode {
	case backingPipe:
		return sb.buf
	case backingTempFile, backingNull, backingExternal:
		return sb.file
	default:
		return nil
	}
}

// finalize loads captured bytes into memory and releases every resource the
// buffer owns. It is safe to call more than once: the second call is a no-op
// (exactly-once semantics), and it must run on every exit path including
// forced termination.
func (sb *streamBuffer) finalize() error {
	if sb.loaded {
		return nil
	}
	sb.loaded = true
	switch sb.mode {
	case backingPipe:
		sb.cached = sb.buf.Bytes()
	case backingTempFile:
		sb.file.Close()
		data, err := os.ReadFile(sb.path)
		if removeErr := os.Remove(sb.path); removeErr != nil && err == nil {
			err = removeErr
		}
		if err != nil {
			return fmt.Errorf("load captured %s: %w", sb.name, err)
		}
		sb.cached = data
	case backingNull:
		sb.file.Close()
	}
	return nil
}

// bytes returns the captured contents, available once finalize has run.
func (sb *streamBuffer) bytes() []byte {
	if sb.mode == backingInput {
		return nil
	}
	return sb.cached
}
