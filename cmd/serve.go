package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/Warpdrop/conference/internal/conference"
	"github.com/BioHazard786/Warpdrop/conference/internal/config"
	"github.com/BioHazard786/Warpdrop/conference/internal/engine"
	"github.com/BioHazard786/Warpdrop/conference/internal/engine/kurento"
	"github.com/BioHazard786/Warpdrop/conference/internal/engine/pion"
	"github.com/BioHazard786/Warpdrop/conference/internal/server"
	"github.com/BioHazard786/Warpdrop/conference/internal/signaling"
)

// Time allowed for in-flight HTTP requests to finish on shutdown.
const shutdownTimeout = 10 * time.Second

var (
	flagListen   string
	flagEngine   string
	flagKurento  string
	flagTimeout  time.Duration
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling server",
	Long: `Run the signaling server. Browsers connect on /ws; /health reports liveness
and /rooms lists the live rooms.

Examples:
  conference serve
  conference serve --engine pion --listen :8443
  KURENTO_URL=ws://kms:8888/kurento conference serve`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.Options{
			ListenAddr:    flagListen,
			Engine:        flagEngine,
			KurentoURL:    flagKurento,
			EngineTimeout: flagTimeout,
			STUNServer:    flagSTUN,
			TURNServer:    flagTURN,
			TURNUser:      flagTURNUser,
			TURNPass:      flagTURNPass,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, slog.Default())
	},
}

// newEngine builds the media engine selected by cfg.
func newEngine(cfg *config.Config, log *slog.Logger) (engine.Engine, error) {
	switch cfg.Engine {
	case config.EnginePion:
		return pion.New(cfg, log)
	case config.EngineKurento:
		return kurento.New(cfg.KurentoURL, log), nil
	default:
		return nil, fmt.Errorf("unknown media engine %q", cfg.Engine)
	}
}

// serve runs until ctx is cancelled. Shutdown stops accepting connections,
// closes every client, waits for their rooms to be cleaned up, and only then
// closes the engine.
func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	eng, err := newEngine(cfg, log)
	if err != nil {
		return err
	}

	rooms := conference.NewRegistry(eng, cfg.EngineTimeout, log)
	orchestrator := conference.NewOrchestrator(rooms, cfg.EngineTimeout, log)
	hub := signaling.NewHub(orchestrator, log)

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.NewMux(hub, rooms),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting signaling server", "addr", cfg.ListenAddr, "engine", cfg.Engine)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}

	stopHub()
	<-hubDone
	hub.Wait()

	if err := eng.Close(); err != nil {
		log.Warn("engine close", "err", err)
	}
	log.Info("stopped", "rooms_left", rooms.Len())
	return serveErr
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&flagListen, "listen", "l", "", "Listen address (default :3000)")
	serveCmd.Flags().StringVarP(&flagEngine, "engine", "e", "", "Media engine: kurento or pion")
	serveCmd.Flags().StringVarP(&flagKurento, "kurento-url", "k", "", "Kurento Media Server URL")
	serveCmd.Flags().DurationVar(&flagTimeout, "engine-timeout", 0, "Timeout for each media engine call")
	serveCmd.Flags().StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	serveCmd.Flags().StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	serveCmd.Flags().StringVarP(&flagTURNUser, "turn-user", "u", "", "TURN username")
	serveCmd.Flags().StringVarP(&flagTURNPass, "turn-pass", "p", "", "TURN password")
}
