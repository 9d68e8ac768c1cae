package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zoff-tech/go-relay/pkg/broker"
	"github.com/zoff-tech/go-relay/pkg/config"
	"github.com/zoff-tech/go-relay/pkg/engine"
	"github.com/zoff-tech/go-relay/pkg/monitor"
	"github.com/zoff-tech/go-relay/pkg/record"
	"github.com/zoff-tech/go-relay/pkg/spool"
	"github.com/zoff-tech/go-relay/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "./cmd/relay-agent", "directory containing relay.yaml")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("error loading configuration")
	}

	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer shutdownTelemetry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	spl, err := spool.New(cfg.Spool, cfg.Broker.Queue)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize spool")
	}

	link, err := broker.New(&cfg.Broker)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize broker link")
	}

	clock := clockwork.NewRealClock()
	mon := monitor.New(link, cfg.Monitor, clock)

	// The indicator slot: whatever watches delivery health (an LED driver, a
	// dashboard) plugs in here. The engine only hands it the boolean.
	mon.Notify(func(connected bool) {
		if connected {
			log.Info().Msg("broker link up, live delivery resumed")
		} else {
			log.Warn().Msg("broker link down, records will spool locally")
		}
	})

	eng, err := engine.New(ctx, spl, link, mon, cfg, clock)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize delivery engine")
	}
	eng.Start(ctx)

	go reportStatus(ctx, eng, clock)

	submitFromStdin(ctx, eng)

	stop()
	closed := make(chan struct{})
	go func() {
		eng.Close()
		close(closed)
	}()
	select {
	case <-closed:
		log.Info().Msg("relay agent stopped")
	case <-time.After(shutdownTimeout):
		log.Error().Msg("shutdown timed out, exiting anyway")
	}
}

// submitFromStdin reads one JSON object per line and submits each as a
// record. It returns when stdin closes or the context is cancelled.
func submitFromStdin(ctx context.Context, eng *engine.Engine) {
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("reading record source")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if len(line) == 0 {
				continue
			}
			var fields record.Fields
			if err := json.Unmarshal(line, &fields); err != nil {
				log.Warn().Err(err).Msg("skipping malformed record")
				continue
			}
			res, err := eng.Submit(ctx, fields)
			if err != nil {
				log.Error().Err(err).Msg("record not delivered")
				continue
			}
			log.Info().
				Str("status", string(res.Status)).
				Uint64("sequence", res.Sequence).
				Msg("record accepted")
		}
	}
}

func reportStatus(ctx context.Context, eng *engine.Engine, clock clockwork.Clock) {
	ticker := clock.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			st := eng.GetStatus()
			log.Info().
				Bool("connected", st.Connected).
				Str("state", st.State).
				Int("spooled", st.SpooledCount).
				Int("dead", st.DeadCount).
				Msg("delivery status")
		}
	}
}
