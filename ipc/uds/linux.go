//go:build linux

package uds

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// readCreds returns the credentials of the process calling the server, using SO_PEERCRED.
func readCreds(conn *net.UnixConn) (Cred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Cred{}, errors.Wrap(err, "error opening raw connection")
	}

	var (
		cred    *unix.Ucred
		credErr error
	)
	err = raw.Control(
		func(fd uintptr) {
			cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		},
	)
	if err != nil {
		return Cred{}, errors.Wrap(err, "Control() error")
	}
	if credErr != nil {
		return Cred{}, errors.Wrap(credErr, "GetsockoptUcred() error")
	}

	return Cred{PID: ID(cred.Pid), UID: ID(cred.Uid), GID: ID(cred.Gid)}, nil
}
