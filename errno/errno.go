/*
Package errno holds the POSIX error numbers returned by socket operations and
the translation to and from the wire form.

On the wire an error is carried as a negative int32 (-EINVAL) and success as zero
or a positive value. Inside the server errors are plain unix.Errno values, so
callers can use errors.Is(err, errno.EPIPE).
*/
package errno

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Errno is a POSIX error number.
type Errno = unix.Errno

// These are the error numbers socket operations return.
const (
	EAFNOSUPPORT    = unix.EAFNOSUPPORT
	EPROTONOSUPPORT = unix.EPROTONOSUPPORT
	EOPNOTSUPP      = unix.EOPNOTSUPP
	ENFILE          = unix.ENFILE
	ENOMEM          = unix.ENOMEM
	ENOSPC          = unix.ENOSPC
	EBADF           = unix.EBADF
	EINVAL          = unix.EINVAL
	EADDRINUSE      = unix.EADDRINUSE
	ECONNREFUSED    = unix.ECONNREFUSED
	ECONNABORTED    = unix.ECONNABORTED
	EISCONN         = unix.EISCONN
	EALREADY        = unix.EALREADY
	EINPROGRESS     = unix.EINPROGRESS
	ENOTCONN        = unix.ENOTCONN
	EPIPE           = unix.EPIPE
	ETIMEDOUT       = unix.ETIMEDOUT
	EWOULDBLOCK     = unix.EWOULDBLOCK
	EIO             = unix.EIO
	EINTR           = unix.EINTR
)

// Code converts err into its wire form. A nil error is 0. An error that does not
// wrap an Errno is reported as -EIO.
func Code(err error) int32 {
	if err == nil {
		return 0
	}
	var e Errno
	if errors.As(err, &e) {
		return -int32(e)
	}
	return -int32(EIO)
}

// FromCode converts a wire code back into an error. Codes >= 0 are not errors.
func FromCode(code int32) error {
	if code >= 0 {
		return nil
	}
	return Errno(-code)
}
