package stdio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrRead wraps failures of the underlying input stream other than a
	// clean end of stream.
	ErrRead = errors.New("stdio: read failed")
	// ErrWrite wraps failures writing or flushing the output stream.
	ErrWrite = errors.New("stdio: write failed")
)

// Framer turns a byte stream into lines and lines back into bytes.
//
// The read and write sides keep separate buffers, so ReadLine and WriteLine
// may run concurrently with each other. Neither method may be called
// concurrently with itself.
type Framer struct {
	r   *bufio.Reader
	w   *bufio.Writer
	eof bool
}

// NewFramer wraps r and w.
func NewFramer(r io.Reader, w io.Writer) *Framer {
	return &Framer{r: bufio.NewReader(r), w: bufio.NewWriter(w)}
}

// ReadLine returns the next line without its "\n" or "\r\n" terminator.
//
// When the stream ends without a terminator, the unterminated remainder is
// returned as a final line and the next call reports io.EOF. io.EOF is only
// returned once no data remains. Any other read failure is wrapped in ErrRead
// and discards the partial line. Lines have no length limit.
func (f *Framer) ReadLine() (string, error) {
	if f.eof {
		return "", io.EOF
	}

	line, err := f.r.ReadString('\n')
	if err == nil {
		return trimTerminator(line), nil
	}
	if errors.Is(err, io.EOF) {
		f.eof = true
		if line == "" {
			return "", io.EOF
		}
		return strings.TrimSuffix(line, "\r"), nil
	}
	return "", fmt.Errorf("%w: %w", ErrRead, err)
}

// WriteLine writes text followed by "\n" and flushes so the peer sees the
// line immediately.
func (f *Framer) WriteLine(text string) error {
	if _, err := f.w.WriteString(text); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := f.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := f.w.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

func trimTerminator(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}
