// Package ssh provides a VM interaction that talks to the guest over SSH.
//
// Commands run in exec sessions and files are sent over SFTP. The guest is expected
// to run an OpenSSH server, which on Windows exposes drives as /C:/... paths.
package ssh

// TransportError is an error from the SSH layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "send-file")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

func temporary(op string, err error) error {
	return &TransportError{Op: op, Err: err, IsTemporary: true}
}

func permanent(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}
