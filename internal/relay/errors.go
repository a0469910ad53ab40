package relay

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// ErrServerClosed is returned by operations on a relay that has been shut down
var ErrServerClosed = errors.New("relay server closed")

// IsWouldBlock reports whether err only means the socket could not take more
// data right now. Such errors are back-pressure, not failures.
func IsWouldBlock(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, syscall.EAGAIN) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsClosedError reports whether err means the peer or the local side has
// already gone away. These are expected and logged at info level.
func IsClosedError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED)
}
