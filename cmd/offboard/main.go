// Command offboard flies the offboard takeoff, hover and landing sequence
// against a PX4-style flight controller.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/w1xm/offboard/fcmodbus"
	"github.com/w1xm/offboard/fcserial"
	"github.com/w1xm/offboard/fcserial/simulator"
	"github.com/w1xm/offboard/internal/config"
	"github.com/w1xm/offboard/internal/logging"
	"github.com/w1xm/offboard/mavlink"
	"github.com/w1xm/offboard/sequencer"
	"github.com/w1xm/offboard/vehicle"
	"golang.org/x/sync/errgroup"
)

func main() {
	fs := config.NewFlagSet("offboard")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var file io.Writer
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer f.Close()
		file = f
	}
	log := logging.New(cfg.LogLevel, os.Stderr, file)
	log.Info().Str("loglevel", log.GetLevel().String()).Msg("Logging set up")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("offboard failed")
		stop()
		os.Exit(1)
	}
	log.Info().Msg("stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	link, err := openLink(ctx, g, cfg, log)
	if err != nil {
		return err
	}
	seq, err := sequencer.New(link, cfg.Sequencer, log.With().Str("component", "sequencer").Logger())
	if err != nil {
		return err
	}

	if cfg.HTTPAddr != "" {
		server := NewServer(log.With().Str("component", "server").Logger())
		seq.OnSnapshot(server.snapshotCallback)
		srv := &http.Server{
			Handler:      server.Router(),
			Addr:         cfg.HTTPAddr,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		return seq.Run(ctx)
	})
	return g.Wait()
}

func openLink(ctx context.Context, g *errgroup.Group, cfg *config.Config, log zerolog.Logger) (vehicle.Link, error) {
	lc := cfg.Link
	linkLog := log.With().Str("component", "link").Str("kind", lc.Kind).Logger()
	statusCallback := func(status vehicle.Status) {
		linkLog.Info().
			Bool("connected", status.Connected).
			Bool("armed", status.Armed).
			Str("mode", status.Mode).
			Msg("vehicle status")
	}
	serialOpts := fcserial.Options{
		HeartbeatTimeout: lc.HeartbeatTimeout,
		StatusCallback:   statusCallback,
		Logger:           linkLog,
	}

	switch lc.Kind {
	case config.KindMAVLink:
		return mavlink.Connect(ctx, mavlink.Options{
			Endpoint:         lc.Address,
			SystemID:         lc.SystemID,
			TargetSystem:     lc.TargetSystem,
			HeartbeatTimeout: lc.HeartbeatTimeout,
			SendThrust:       lc.SendThrust,
			StatusCallback:   statusCallback,
			Logger:           linkLog,
		})
	case config.KindSerial:
		return fcserial.ConnectSerial(ctx, lc.Serial, lc.Baud, serialOpts)
	case config.KindTCP:
		return fcserial.ConnectTCP(ctx, lc.Address, serialOpts)
	case config.KindModbus:
		opts := fcmodbus.Options{
			Port:             lc.Serial,
			BaudRate:         lc.Baud,
			URL:              lc.URL,
			Password:         lc.Password,
			SlaveID:          lc.SlaveID,
			HeartbeatTimeout: lc.HeartbeatTimeout,
			StatusCallback:   statusCallback,
			Logger:           linkLog,
		}
		if lc.Serial == "" && lc.URL == "" {
			opts.Address = lc.Address
		}
		return fcmodbus.Connect(ctx, opts)
	case config.KindSim:
		sim, conn := simulator.New(log.With().Str("component", "simulator").Logger())
		g.Go(func() error {
			if err := sim.Run(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("simulator: %w", err)
			}
			return nil
		})
		return fcserial.Attach(ctx, conn, serialOpts), nil
	}
	return nil, fmt.Errorf("unknown link kind %q", lc.Kind)
}
