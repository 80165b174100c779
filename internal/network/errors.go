package network

import (
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	// ErrConnectionReset means the peer reset the connection. The socket is
	// marked disconnected when this is observed.
	ErrConnectionReset = errors.New("connection reset by peer")

	// ErrTimeout means a socket deadline expired.
	ErrTimeout = errors.New("socket operation timed out")

	// ErrNotConnected is returned for I/O on a socket that is not connected.
	ErrNotConnected = errors.New("socket is not connected")

	// ErrNotListening is returned when accepting before BindAndListen.
	ErrNotListening = errors.New("socket is not listening")

	// ErrAlreadyListening is returned when BindAndListen is called twice.
	ErrAlreadyListening = errors.New("socket is already listening")

	// ErrUnknownClient is returned for a connection id with no client.
	ErrUnknownClient = errors.New("unknown client connection id")

	// ErrServerFull is returned by AcceptClient when a connection arrives
	// while every client slot is taken. The connection is dropped.
	ErrServerFull = errors.New("server is full")

	// ErrEmptyBuffer is returned when asked to send zero bytes.
	ErrEmptyBuffer = errors.New("refusing to send an empty buffer")
)

// classify maps an OS-level error onto the package sentinels. Orderly close
// is reported as io.EOF. Unrecognized errors are returned unchanged.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return io.EOF
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ECONNABORTED):
		return ErrConnectionReset
	case errors.Is(err, net.ErrClosed):
		return ErrNotConnected
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return err
}

// errno extracts the platform error code for logging, or 0 if there is none.
func errno(err error) int {
	var e syscall.Errno
	if errors.As(err, &e) {
		return int(e)
	}
	return 0
}

// wrap attaches the classified sentinel to the original error so callers can
// match with errors.Is while logs keep the OS detail.
func wrap(op string, err error) error {
	c := classify(err)
	if c == io.EOF || c == err {
		return c
	}
	return &OpError{Op: op, Kind: c, Err: err}
}

// OpError is a classified socket failure.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

// Is matches the classification sentinel.
func (e *OpError) Is(target error) bool {
	return target == e.Kind
}

func (e *OpError) Unwrap() error {
	return e.Err
}
