package shardis

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	ErrNoConnection           = errors.New("no connection to server")
	ErrUnsupportedCommand     = errors.New("command not supported")
	ErrShardMismatch          = errors.New("keys map to different shards")
	ErrInvalidArguments       = errors.New("invalid arguments")
	ErrAmbiguousCommand       = errors.New("command has no key and more than one server is configured")
	ErrDiscoveryFailed        = errors.New("host discovery failed")
	ErrNoConnectionsAvailable = errors.New("no server connections available")
	ErrClientEnded            = errors.New("client has been ended")
	ErrConnectionLost         = errors.New("server connection lost")
	ErrTimeout                = errors.New("command timeout")
	ErrOfflineQueueFull       = errors.New("offline queue full")
	ErrNoHosts                = errors.New("no hosts configured")
	ErrTableNotFound          = errors.New("table does not exist")
	ErrNotFound               = errors.New("key not found")
)

// CommandError attaches the failing operation and command to a sentinel cause.
type CommandError struct {
	Op      string
	Command string
	Cause   error
}

func (e *CommandError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("shardis %s %s: %v", e.Op, e.Command, e.Cause)
	}
	return fmt.Sprintf("shardis %s: %v", e.Op, e.Cause)
}

func (e *CommandError) Unwrap() error {
	return e.Cause
}

func newCommandError(op, cmd string, cause error) *CommandError {
	return &CommandError{
		Op:      op,
		Command: cmd,
		Cause:   cause,
	}
}

// hostError ties a connection level sentinel to the server it happened on.
func hostError(sentinel error, host string) error {
	return fmt.Errorf("%w: %s", sentinel, host)
}

// isFatalTransport reports whether err means the socket is unusable and the
// connection must be torn down and redialed.
func isFatalTransport(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return !nerr.Timeout()
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	return false
}
