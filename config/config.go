/*
Package config holds the configuration of the localsocks daemon.

Values come from three places, later ones winning: Default(), an ini file read with Load()
and command line flags applied with ApplyFlags(). The ini file looks like:

	[server]
	socket_path = /run/localsocks.sock
	socket_mode = 0770
	max_message_size = 1048576

	[sockets]
	max_sockets = 128
	max_backlog = 8
	buffer_size = 8192
	connect_timeout = 60s

	[workers]
	idle_workers = 2
	sync_io = true
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/ini.v1"
)

// Config is the daemon configuration.
type Config struct {
	// SocketPath is the path of the socket clients connect to.
	SocketPath string
	// SocketMode is the file mode of SocketPath.
	SocketMode os.FileMode
	// MaxMessageSize is the largest request the server reads, in bytes.
	MaxMessageSize int64

	// MaxSockets is the size of the socket table.
	MaxSockets int
	// MaxBacklog is the largest listen() backlog.
	MaxBacklog int
	// BufferSize is the capacity of a socket's send buffer.
	BufferSize int
	// ConnectTimeout bounds how long a blocking connect() waits for accept().
	ConnectTimeout time.Duration

	// IdleWorkers is the number of idle workers kept per client connection.
	IdleWorkers int
	// SyncIO answers non-blocking send and recv calls without a worker.
	SyncIO bool
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		SocketPath:     "/tmp/localsocks.sock",
		SocketMode:     0770,
		MaxMessageSize: 1 << 20,
		MaxSockets:     128,
		MaxBacklog:     8,
		BufferSize:     8192,
		ConnectTimeout: 60 * time.Second,
		IdleWorkers:    2,
		SyncIO:         true,
	}
}

// Validate reports the first invalid value of c.
func (c Config) Validate() error {
	switch {
	case c.SocketPath == "":
		return errors.New("socket path must be set")
	case len(c.SocketPath) >= 108:
		return errors.Errorf("socket path %q is longer than 107 characters", c.SocketPath)
	case c.MaxMessageSize < 1024:
		return errors.Errorf("max message size must be at least 1024, was %d", c.MaxMessageSize)
	case c.MaxSockets < 2:
		return errors.Errorf("max sockets must be at least 2, was %d", c.MaxSockets)
	case c.MaxBacklog < 1:
		return errors.Errorf("max backlog must be at least 1, was %d", c.MaxBacklog)
	case c.BufferSize < 1:
		return errors.Errorf("buffer size must be at least 1, was %d", c.BufferSize)
	case c.ConnectTimeout <= 0:
		return errors.Errorf("connect timeout must be positive, was %v", c.ConnectTimeout)
	case c.IdleWorkers < 0:
		return errors.Errorf("idle workers must not be negative, was %d", c.IdleWorkers)
	}
	return nil
}

// Load reads the ini file at path over the defaults.
func Load(path string) (Config, error) {
	c := Default()

	f, err := ini.Load(path)
	if err != nil {
		return c, errors.Wrapf(err, "could not load config file %s", path)
	}

	server := f.Section("server")
	sockets := f.Section("sockets")
	workers := f.Section("workers")

	var errs []error
	str := func(sec *ini.Section, key string, v *string) {
		if sec.HasKey(key) {
			*v = sec.Key(key).String()
		}
	}
	integer := func(sec *ini.Section, key string, v *int) {
		if !sec.HasKey(key) {
			return
		}
		i, err := sec.Key(key).Int()
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "[%s] %s", sec.Name(), key))
			return
		}
		*v = i
	}

	str(server, "socket_path", &c.SocketPath)
	if server.HasKey("socket_mode") {
		m, err := ParseMode(server.Key("socket_mode").String())
		if err != nil {
			errs = append(errs, errors.Wrap(err, "[server] socket_mode"))
		}
		c.SocketMode = m
	}
	if server.HasKey("max_message_size") {
		i, err := server.Key("max_message_size").Int64()
		if err != nil {
			errs = append(errs, errors.Wrap(err, "[server] max_message_size"))
		}
		c.MaxMessageSize = i
	}

	integer(sockets, "max_sockets", &c.MaxSockets)
	integer(sockets, "max_backlog", &c.MaxBacklog)
	integer(sockets, "buffer_size", &c.BufferSize)
	if sockets.HasKey("connect_timeout") {
		d, err := sockets.Key("connect_timeout").Duration()
		if err != nil {
			errs = append(errs, errors.Wrap(err, "[sockets] connect_timeout"))
		}
		c.ConnectTimeout = d
	}

	integer(workers, "idle_workers", &c.IdleWorkers)
	if workers.HasKey("sync_io") {
		b, err := workers.Key("sync_io").Bool()
		if err != nil {
			errs = append(errs, errors.Wrap(err, "[workers] sync_io"))
		}
		c.SyncIO = b
	}

	if len(errs) > 0 {
		return c, errors.Wrapf(errs[0], "bad value in config file %s", path)
	}
	return c, nil
}

// ParseMode parses an octal file mode like "0770".
func ParseMode(s string) (os.FileMode, error) {
	m, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "file mode %q is not octal", s)
	}
	if m > 0777 {
		return 0, errors.Errorf("file mode %q has bits beyond 0777", s)
	}
	return os.FileMode(m), nil
}

// Flag names.
const (
	FlagConfig         = "config"
	FlagSocketPath     = "socket-path"
	FlagSocketMode     = "socket-mode"
	FlagMaxMessageSize = "max-message-size"
	FlagMaxSockets     = "max-sockets"
	FlagMaxBacklog     = "max-backlog"
	FlagBufferSize     = "buffer-size"
	FlagConnectTimeout = "connect-timeout"
	FlagIdleWorkers    = "idle-workers"
	FlagSyncIO         = "sync-io"
)

// RegisterFlags adds the configuration flags to fs, with the defaults as values.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()

	fs.String(FlagConfig, "", "path of an ini config file, flags override its values")
	fs.String(FlagSocketPath, d.SocketPath, "path of the socket clients connect to")
	fs.String(FlagSocketMode, fmt.Sprintf("%#o", d.SocketMode), "octal file mode of the socket")
	fs.Int64(FlagMaxMessageSize, d.MaxMessageSize, "largest request read from a client, in bytes")
	fs.Int(FlagMaxSockets, d.MaxSockets, "size of the socket table")
	fs.Int(FlagMaxBacklog, d.MaxBacklog, "largest listen() backlog")
	fs.Int(FlagBufferSize, d.BufferSize, "send buffer size of a socket, in bytes")
	fs.Duration(FlagConnectTimeout, d.ConnectTimeout, "how long a blocking connect() waits for accept()")
	fs.Int(FlagIdleWorkers, d.IdleWorkers, "idle workers kept per client connection")
	fs.Bool(FlagSyncIO, d.SyncIO, "answer non-blocking send and recv without a worker")
}

// ApplyFlags sets the values of the flags that were set on the command line in c.
func ApplyFlags(fs *pflag.FlagSet, c *Config) error {
	var err error
	set := func(name string, f func() error) {
		if err != nil || !fs.Changed(name) {
			return
		}
		if e := f(); e != nil {
			err = errors.Wrapf(e, "flag --%s", name)
		}
	}

	set(FlagSocketPath, func() (e error) {
		c.SocketPath, e = fs.GetString(FlagSocketPath)
		return e
	})
	set(FlagSocketMode, func() error {
		s, e := fs.GetString(FlagSocketMode)
		if e != nil {
			return e
		}
		c.SocketMode, e = ParseMode(s)
		return e
	})
	set(FlagMaxMessageSize, func() (e error) {
		c.MaxMessageSize, e = fs.GetInt64(FlagMaxMessageSize)
		return e
	})
	set(FlagMaxSockets, func() (e error) {
		c.MaxSockets, e = fs.GetInt(FlagMaxSockets)
		return e
	})
	set(FlagMaxBacklog, func() (e error) {
		c.MaxBacklog, e = fs.GetInt(FlagMaxBacklog)
		return e
	})
	set(FlagBufferSize, func() (e error) {
		c.BufferSize, e = fs.GetInt(FlagBufferSize)
		return e
	})
	set(FlagConnectTimeout, func() (e error) {
		c.ConnectTimeout, e = fs.GetDuration(FlagConnectTimeout)
		return e
	})
	set(FlagIdleWorkers, func() (e error) {
		c.IdleWorkers, e = fs.GetInt(FlagIdleWorkers)
		return e
	})
	set(FlagSyncIO, func() (e error) {
		c.SyncIO, e = fs.GetBool(FlagSyncIO)
		return e
	})
	return err
}

// FromFlags loads the file named by --config, if any, and applies the flags over it.
func FromFlags(fs *pflag.FlagSet) (Config, error) {
	c := Default()

	path, err := fs.GetString(FlagConfig)
	if err != nil {
		return c, err
	}
	if path != "" {
		if c, err = Load(path); err != nil {
			return c, err
		}
	}
	if err := ApplyFlags(fs, &c); err != nil {
		return c, err
	}
	return c, c.Validate()
}
