/*
Package uds provides a server and client for Unix Domain Sockets. This provides a lot of convenience
around the "net" package for handling all the file setup and detecting closed connections. It also
provides the credentials of the process on the other end of every server connection.

This package takes the stance that Read() and Write() calls by default should infinitely block
unless the socket is closed. This eases development.

Server Conn objects and Client objects are io.ReadWriteCloser objects. Higher level framing
lives in the chunk and rpc packages.

Unix/Linux Note:
	On Linux there is a 108 character limit for socket path names. https://github.com/golang/go/issues/6895 .
	NewServer() rejects longer paths instead of returning the non-sensical "invalid argument".
*/
package uds

import (
	"io"
	"net"
	"os"
	"os/user"
	"strconv"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MaxPathLen is the longest socket path the kernel accepts.
const MaxPathLen = 108

// ID represents a numeric ID. Go in various libraries stores IDs such as Uid or Gid as strings.
// However in other more OS specific libraries, it might be int or int32. This simply unifies that.
type ID int

// String returns the ID as a string.
func (i ID) String() string {
	return strconv.Itoa(int(i))
}

// Int returns the ID as an int.
func (i ID) Int() int {
	return int(i)
}

// Current provides information about the current process and user.
func Current() (Cred, *user.User, error) {
	u, err := user.Current()
	if err != nil {
		return Cred{}, nil, err
	}

	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)

	cred := Cred{
		PID: ID(os.Getpid()),
		UID: ID(uid),
		GID: ID(gid),
	}
	return cred, u, nil
}

// Cred provides the credentials of the local process contacting the server.
type Cred struct {
	// PID is the process id of the process.
	PID ID
	// UID is the user id of the process.
	UID ID
	// GID is the group id of the process.
	GID ID
}

// Conn represents a UDS connection from a client.
type Conn struct {
	// ID uniquely identifies the connection for the life of the server.
	ID string
	// Cred are the credentials of the connected process, read when it connected.
	Cred Cred

	conn *net.UnixConn
}

// UnixConn will return the underlying UnixConn object.
func (c *Conn) UnixConn() *net.UnixConn {
	return c.conn
}

// Read implements io.Reader.Read(). This has an infinite read timeout.
func (c *Conn) Read(b []byte) (int, error) {
	return c.conn.Read(b)
}

// Write implements io.Writer.Write(). This has an infinite write timeout.
func (c *Conn) Write(b []byte) (int, error) {
	return c.conn.Write(b)
}

// Close implements io.Closer.Close().
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Server provides a Unix Domain Socket server that clients can connect on.
type Server struct {
	path   string
	l      *net.UnixListener
	errCh  chan error
	connCh chan *Conn
}

// NewServer creates a new UDS server that creates and listens to the file at socketAddr. uid and gid are
// the uid and gid that file will be set to, -1 leaves them unchanged. fileMode is the file mode it will
// have. If socketAddr exists this will attempt to delete it. Suggest fileMode of 0770.
func NewServer(socketAddr string, uid, gid int, fileMode os.FileMode) (*Server, error) {
	if len(socketAddr) >= MaxPathLen {
		return nil, errors.Errorf("socketAddr(%s) path length must be less than %d characters", socketAddr, MaxPathLen)
	}

	if err := os.Remove(socketAddr); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "unable to create server socket(%s), could not remove old socket file", socketAddr)
	}

	l, err := net.Listen("unix", socketAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create server socket(%s)", socketAddr)
	}

	if err := os.Chmod(socketAddr, fileMode); err != nil {
		l.Close()
		return nil, errors.Wrapf(err, "unable to create server socket(%s), could not chmod the socket file", socketAddr)
	}
	if uid != -1 || gid != -1 {
		if err := os.Chown(socketAddr, uid, gid); err != nil {
			l.Close()
			return nil, errors.Wrapf(err, "unable to create server socket(%s), could not chown the socket file", socketAddr)
		}
	}

	serv := &Server{
		path:   socketAddr,
		l:      l.(*net.UnixListener),
		errCh:  make(chan error, 1),
		connCh: make(chan *Conn, 1),
	}
	go serv.accept()
	return serv, nil
}

// Conn returns a channel that is populated with connections to the server. The channel is closed
// when the server is no longer serving.
func (s *Server) Conn() <-chan *Conn {
	return s.connCh
}

// Path returns the path of the socket file.
func (s *Server) Path() string {
	return s.path
}

// Close stops listening for connections on the socket and removes the socket file. Connections
// already handed out are not closed.
func (s *Server) Close() error {
	return s.l.Close()
}

// Closed returns a channel that returns an error when the server stops listening.
// This can be because you have called Close() or the listener had an error. Close() does not
// produce an error. The channel is closed afterwards.
func (s *Server) Closed() <-chan error {
	return s.errCh
}

func (s *Server) accept() {
	defer close(s.connCh)
	defer close(s.errCh)

	for {
		conn, err := s.l.Accept()
		if err != nil {
			s.l.Close()
			if !errors.Is(err, net.ErrClosed) && err != io.EOF {
				s.errCh <- err
			}
			return
		}
		uc := conn.(*net.UnixConn)
		cred, err := readCreds(uc)
		if err != nil {
			log.Errorf("unable to read creds from socket client, rejecting conn: %s", err)
			conn.Close()
			continue
		}
		s.connCh <- &Conn{ID: uuid.New().String(), conn: uc, Cred: cred}
	}
}

// Client provides a UDS client for connecting to a UDS server.
type Client struct {
	conn *net.UnixConn
}

// NewClient creates a new UDS client to the socket at socketAddr. If fileModes is not empty the
// socket file must have one of those permissions (suggest 0770).
func NewClient(socketAddr string, fileModes []os.FileMode) (*Client, error) {
	stats, err := os.Stat(socketAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "could not stat socket address(%s)", socketAddr)
	}

	if len(fileModes) > 0 {
		ok := false
		for _, m := range fileModes {
			if stats.Mode().Perm() == m.Perm() {
				ok = true
				break
			}
		}
		if !ok {
			return nil, errors.Errorf("socket address(%s) had incorrect mode(%v), must be one of %v", socketAddr, stats.Mode().Perm(), fileModes)
		}
	}

	conn, err := net.Dial("unix", socketAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to dial socket(%s)", socketAddr)
	}

	return &Client{conn: conn.(*net.UnixConn)}, nil
}

// UnixConn will return the underlying UnixConn object.
func (c *Client) UnixConn() *net.UnixConn {
	return c.conn
}

// Read implements io.Reader.Read(). This will block until it has read into the buffer.
func (c *Client) Read(b []byte) (int, error) {
	return c.conn.Read(b)
}

// Write implements io.Writer.Write(). This will block until it has written the buffer.
func (c *Client) Write(b []byte) (int, error) {
	return c.conn.Write(b)
}

// Close closes the connection to the server.
func (c *Client) Close() error {
	return c.conn.Close()
}
