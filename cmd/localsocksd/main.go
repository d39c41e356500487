// localsocksd serves Unix stream socket emulation to local clients.
//
// Usage:
//
//	localsocksd --config=/etc/localsocks.ini --socket-path=/run/localsocks.sock --logtostderr
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/golang/glog"
	"github.com/kylelemons/godebug/pretty"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/johnsiilver/localsocks/config"
	"github.com/johnsiilver/localsocks/server"
)

var stopTimeout = pflag.Duration("stop-timeout", 10*time.Second, "how long to wait for clients to go away on shutdown")

func main() {
	config.RegisterFlags(pflag.CommandLine)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	// glog reads its flags from the standard flag package.
	flag.CommandLine.Parse(nil)
	defer log.Flush()

	cfg, err := config.FromFlags(pflag.CommandLine)
	if err != nil {
		log.Exit(err)
	}
	log.Infof("config:\n%s", pretty.Sprint(cfg))

	serv, err := server.New(cfg)
	if err != nil {
		log.Exit(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(serv.Start)
	g.Go(func() error {
		<-ctx.Done()
		log.Infof("stopping, stats: %+v", serv.Stats())

		sctx, scancel := context.WithTimeout(context.Background(), *stopTimeout)
		defer scancel()
		return serv.Stop(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Error(err)
		log.Flush()
		os.Exit(1)
	}
	log.Info("stopped")
}
