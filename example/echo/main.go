// echo is an echo server and client on top of a running localsocksd.
//
// Start the server side, then send lines with the client side:
//
//	echo --listen
//	echo hello world
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	log "github.com/golang/glog"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/johnsiilver/localsocks/client"
	"github.com/johnsiilver/localsocks/errno"
)

var (
	daemon = pflag.String("daemon", "/tmp/localsocks.sock", "socket of the localsocks daemon")
	addr   = pflag.String("addr", "/echo", "address of the echo service")
	listen = pflag.Bool("listen", false, "serve echo instead of sending to it")
)

func main() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	flag.CommandLine.Parse(nil)
	defer log.Flush()

	c, err := client.New(*daemon)
	if err != nil {
		log.Exit(err)
	}
	defer c.Close()

	if *listen {
		err = serve(c)
	} else {
		err = send(c, strings.Join(pflag.Args(), " "))
	}
	if err != nil {
		log.Exit(err)
	}
}

func serve(c *client.Client) error {
	ctx := context.Background()

	l, err := c.Socket(ctx, unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return err
	}
	if err := c.Bind(ctx, l, *addr); err != nil {
		return err
	}
	if err := c.Listen(ctx, l, 8); err != nil {
		return err
	}
	log.Infof("echo: listening on %s", *addr)

	for {
		h, from, err := c.Accept(ctx, l)
		if err != nil {
			return err
		}
		log.Infof("echo: connection %d from %q", h, from)
		go echo(c, h)
	}
}

func echo(c *client.Client, h int) {
	ctx := context.Background()
	defer c.CloseSocket(ctx, h)

	for {
		b, err := c.Read(ctx, h, 4096)
		if err != nil {
			log.Errorf("echo: read on %d: %s", h, err)
			return
		}
		if len(b) == 0 {
			return
		}
		for len(b) > 0 {
			n, err := c.Write(ctx, h, b)
			if err != nil {
				log.Errorf("echo: write on %d: %s", h, err)
				return
			}
			b = b[n:]
		}
	}
}

func send(c *client.Client, msg string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h, err := c.Socket(ctx, unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return err
	}
	defer c.CloseSocket(ctx, h)

	if err := c.Connect(ctx, h, *addr); err != nil {
		if errors.Is(err, errno.ECONNREFUSED) {
			return fmt.Errorf("nothing listens on %s, start one with --listen", *addr)
		}
		return err
	}
	if _, err := c.Write(ctx, h, []byte(msg)); err != nil {
		return err
	}
	if err := c.Shutdown(ctx, h, unix.SHUT_WR); err != nil {
		return err
	}

	var got []byte
	for {
		b, err := c.Read(ctx, h, 4096)
		if err != nil {
			return err
		}
		if len(b) == 0 {
			break
		}
		got = append(got, b...)
	}
	fmt.Println(string(got))
	return nil
}
