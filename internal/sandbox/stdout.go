package sandbox

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// stdoutCapture redirects a sandbox's stdout into a memfd — a genuinely
// anonymous, memory-backed file — so captured output never touches the
// host filesystem.
type stdoutCapture struct {
	file *os.File
}

// CaptureStdout opens (or reopens) the anonymous file backing this
// sandbox's captured stdout and returns the write end as *os.File so the
// caller can dup2 it over fd 1 before invoking guest code.
func (s *Sandbox) CaptureStdout() (*os.File, error) {
	fd, err := unix.MemfdCreate("sandbox-stdout", 0)
	if err != nil {
		return nil, fmt.Errorf("sandbox: captureStdout: %w", err)
	}
	f := os.NewFile(uintptr(fd), "sandbox-stdout")
	s.stdout = &stdoutCapture{file: f}
	return f, nil
}

// GetCapturedStdout seeks the capture file back to zero and reads back
// everything written to it so far.
func (s *Sandbox) GetCapturedStdout() ([]byte, error) {
	if s.stdout == nil {
		return nil, nil
	}
	if _, err := s.stdout.file.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("sandbox: getCapturedStdout: seek: %w", err)
	}
	return io.ReadAll(s.stdout.file)
}
