// Package app wires the signaling server together and runs it until the
// context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/voxmatch/internal/calls"
	"github.com/petervdpas/voxmatch/internal/config"
	"github.com/petervdpas/voxmatch/internal/logbuf"
	"github.com/petervdpas/voxmatch/internal/registry"
	"github.com/petervdpas/voxmatch/internal/room"
	"github.com/petervdpas/voxmatch/internal/signal"
	"github.com/petervdpas/voxmatch/internal/storage"
	"github.com/petervdpas/voxmatch/internal/util"
)

var log = logging.Logger("app")

const shutdownTimeout = 5 * time.Second

type Options struct {
	DataDir string
	CfgPath string
	Cfg     config.Config

	// Ready, when set, receives the bound listen address once the server
	// accepts connections.
	Ready func(addr string)
}

func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	if err := cfg.Log.ApplyLogLevels(); err != nil {
		return fmt.Errorf("log levels: %w", err)
	}
	logs := logbuf.New(cfg.Log.BufferSize)
	logs.Follow(ctx, logging.LevelDebug)

	logBanner(opt.DataDir, opt.CfgPath, cfg)

	dbPath := util.ResolvePath(opt.DataDir, cfg.Storage.DBPath)
	db, err := storage.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Infof("database: %s", db.Path())

	reg := registry.New(nil)
	rooms := room.New(signal.RoomNotifier{Registry: reg}, nil, cfg.Rooms.MaxParticipants)
	cm := calls.New(db, nil, CallOptions(cfg))
	defer cm.Close()

	srv := signal.NewServer(signal.Deps{
		Registry: reg,
		Rooms:    rooms,
		Calls:    cm,
		Logs:     logs,
		History:  db,
	}, SignalOptions(cfg))

	ln, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.HTTPAddr, err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Infof("listening on %s", ln.Addr())
	if opt.Ready != nil {
		opt.Ready(ln.Addr().String())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error { return srv.RunSweeper(gctx) })
	if opt.CfgPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, opt.CfgPath, func(c config.Config) {
				if err := c.Log.ApplyLogLevels(); err != nil {
					log.Warnf("config reload: %v", err)
					return
				}
				log.Infof("config reloaded (log level %s)", c.Log.Level)
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		srv.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	return g.Wait()
}
