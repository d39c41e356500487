/*
Package chunk frames messages over a uds connection. Each message is preceded by its length
as a varint.

Read() rejects messages above MaxSize() and closes the connection on any error, since a
stream that lost its framing cannot recover. Write() is safe for concurrent use and sends each
frame with a single write, so pushes from workers interleave with replies whole. Read() must be
called from one goroutine.
*/
package chunk

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/johnsiilver/localsocks/ipc/uds"
)

// Client provides a wrapper around an *uds.Client or *uds.Conn that can send data chunks.
type Client struct {
	rwc  io.ReadWriteCloser
	r    *bufio.Reader
	pool *sync.Pool

	wmu sync.Mutex
	wb  []byte

	maxSize int64
}

// Option is an optional argument to New.
type Option func(c *Client)

// MaxSize is the maximum size a read message is allowed to be. If a message is larger than this, Read()
// will fail and the underlying connection will be closed.
func MaxSize(size int64) Option {
	return func(c *Client) {
		c.maxSize = size
	}
}

// SharedPool allows the use of a shared pool of buffers between Client instead of a pool per client.
// This is useful when clients are short lived and have similar message sizes. Client will panic if the
// pool does not return a *bytes.Buffer object.
func SharedPool(pool *sync.Pool) Option {
	return func(c *Client) {
		c.pool = pool
	}
}

// NewPool returns a pool that can be passed to SharedPool().
func NewPool() *sync.Pool {
	return &sync.Pool{
		New: func() interface{} {
			return &bytes.Buffer{}
		},
	}
}

// New is the constructor for Client. rwc must be a *uds.Client or *uds.Conn.
func New(rwc io.ReadWriteCloser, options ...Option) (*Client, error) {
	switch rwc.(type) {
	case *uds.Client, *uds.Conn:
	default:
		return nil, errors.Errorf("rwc was not a *uds.Client or *uds.Conn, was %T", rwc)
	}

	client := &Client{
		rwc: rwc,
		r:   bufio.NewReader(rwc),
	}
	for _, o := range options {
		o(client)
	}
	if client.pool == nil {
		client.pool = NewPool()
	}
	return client, nil
}

// Recycle recycles a *bytes.Buffer. This should only be done when the Buffer is no longer
// in use (including its internal []byte slice).
func (c *Client) Recycle(b *bytes.Buffer) {
	b.Reset()
	c.pool.Put(b)
}

// Read reads the next message from the socket.
func (c *Client) Read() (*bytes.Buffer, error) {
	size, err := binary.ReadVarint(c.r)
	if err != nil {
		c.rwc.Close()
		return nil, err
	}

	if size < 0 || (c.maxSize > 0 && size > c.maxSize) {
		c.rwc.Close()
		return nil, errors.Errorf("message size %d is not allowed (max %d)", size, c.maxSize)
	}

	buff := c.pool.Get().(*bytes.Buffer)
	buff.Reset()

	if _, err = io.CopyN(buff, c.r, size); err != nil {
		c.rwc.Close()
		c.Recycle(buff)
		return nil, errors.Wrap(err, "could not read full chunk")
	}

	return buff, nil
}

// Write writes b as a chunk into the socket.
func (c *Client) Write(b []byte) error {
	if len(b) == 0 {
		return nil
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.wb = binary.AppendVarint(c.wb[:0], int64(len(b)))
	c.wb = append(c.wb, b...)
	if _, err := c.rwc.Write(c.wb); err != nil {
		c.rwc.Close()
		return err
	}
	if cap(c.wb) > 64*1024 {
		c.wb = nil
	}
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.rwc.Close()
}
