// missionsim runs the in-memory backend double with one scripted mission and
// points a synchronization engine at it, logging every state the engine would
// hand to rendering. Useful for watching the full enroll/arm/active/ended
// timeline without a real backend.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/squadpool/missionsync/internal/config"
	"github.com/squadpool/missionsync/internal/mission"
	"github.com/squadpool/missionsync/internal/overlay"
	"github.com/squadpool/missionsync/internal/push"
	"github.com/squadpool/missionsync/internal/reconcile"
	"github.com/squadpool/missionsync/internal/sched"
	"github.com/squadpool/missionsync/internal/simulator"
	"github.com/squadpool/missionsync/internal/snapshot"
)

type logSink struct {
	log zerolog.Logger
}

func (s logSink) Render(state reconcile.ViewState) {
	s.log.Info().
		Str("mission_id", state.Mission.ID).
		Stringer("status", state.Status).
		Str("countdown", state.Countdown.Label).
		Float64("progress", state.Countdown.Progress).
		Int("players", state.Mission.PlayersJoined).
		Bool("stale", state.Stale).
		Msg("render")
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file loaded")
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	addr := flag.String("addr", config.GetEnv("MISSIONSIM_ADDR", "localhost:8790"), "listen address")
	tuningPath := flag.String("tuning", config.GetEnv("MISSIONSIM_TUNING", ""), "optional tuning yaml")
	flag.Parse()

	tuning, err := config.Load(*tuningPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load tuning")
	}
	clock := clockwork.NewRealClock()

	// Backend double: one mission enrolling now, arming in 45s, running for
	// two minutes with three rounds.
	store := simulator.NewStore(clock, tuning, logger)
	now := clock.Now()
	store.Add(mission.Record{
		ID:              "demo-mission",
		EnrollmentStart: now,
		EnrollmentEnd:   now.Add(45 * time.Second),
		MissionStart:    now.Add(60 * time.Second),
		MissionEnd:      now.Add(3 * time.Minute),
		RoundsTotal:     3,
		FeeAmount:       mission.NewAmount(5000),
		PoolCurrent:     mission.NewAmount(0),
		PoolInitial:     mission.NewAmount(0),
		PlayersMin:      2,
		PlayersMax:      10,
		UpdatedAt:       now,
	})
	server := simulator.NewServer(store, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", server.Handler())
	httpSrv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan struct{})
	go store.Run(stop)

	// Engine side, talking to the simulator over the same contracts a real
	// backend would offer.
	client := snapshot.NewClient("http://" + *addr)
	coordinator := snapshot.NewCoordinator(client, clock, tuning, logger)
	overlays := overlay.NewStore(clock)
	scheduler := sched.New(clock)

	engine := reconcile.New(reconcile.Options{
		Tuning:    tuning,
		Clock:     clock,
		Fetcher:   coordinator,
		Overlays:  overlays,
		Scheduler: scheduler,
		Sink:      logSink{log: logger},
		Notice: func(kind, missionID string) {
			logger.Info().Str("kind", kind).Str("mission_id", missionID).Msg("notice")
		},
		Logger: logger,
	})

	transport := push.NewWSTransport("ws://"+*addr+"/ws", clock, logger)
	dispatcher := push.NewDispatcher(transport, clock, logger)
	engine.Attach(dispatcher)
	go func() {
		if err := transport.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("push transport stopped")
		}
	}()
	go func() {
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("push dispatcher stopped")
		}
	}()

	coordinator.SetForeground("demo-mission")
	engine.Open(ctx, "demo-mission")
	engine.SetForeground("demo-mission")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutting down")

	engine.Close("demo-mission")
	close(stop)
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
}
