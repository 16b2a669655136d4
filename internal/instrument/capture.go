package instrument

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/lowbit-ml/lowbit/internal/metrics"
)

// sentinel terminates a capture. It is a byte no Print record contains, so
// everything before it is returned verbatim.
const sentinel = '\b'

// Capture redirects stream's file descriptor into a pipe, runs fn, and
// returns everything fn's process tree wrote to the stream. A background
// goroutine drains the pipe while fn runs, so a producer never blocks on a
// full pipe buffer. After fn returns, a sentinel byte is written through the
// redirected descriptor to mark end-of-capture, the reader is joined, and
// the original descriptor is restored. fn's error is returned alongside
// whatever was captured before the failure.
func Capture(stream *os.File, fn func() error) (string, error) {
	fd := int(stream.Fd())
	saved, err := unix.Dup(fd)
	if err != nil {
		return "", fmt.Errorf("instrument: dup stream fd: %w", err)
	}
	r, w, err := os.Pipe()
	if err != nil {
		unix.Close(saved)
		return "", fmt.Errorf("instrument: capture pipe: %w", err)
	}
	if err := unix.Dup2(int(w.Fd()), fd); err != nil {
		unix.Close(saved)
		r.Close()
		w.Close()
		return "", fmt.Errorf("instrument: redirect stream fd: %w", err)
	}

	var captured bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				if i := bytes.IndexByte(buf[:n], sentinel); i >= 0 {
					captured.Write(buf[:i])
					return
				}
				captured.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	fnErr := fn()

	// The sentinel goes through the redirected descriptor so it lands after
	// everything fn wrote.
	unix.Write(fd, []byte{sentinel})
	w.Close()
	<-done
	r.Close()

	restoreErr := unix.Dup2(saved, fd)
	unix.Close(saved)

	metrics.CapturedBytes.Add(float64(captured.Len()))
	if fnErr != nil {
		return captured.String(), fnErr
	}
	if restoreErr != nil {
		return captured.String(), fmt.Errorf("instrument: restore stream fd: %w", restoreErr)
	}
	return captured.String(), nil
}
