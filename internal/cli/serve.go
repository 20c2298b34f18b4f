package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rcliao/memoryscope/internal/logging"
	"github.com/rcliao/memoryscope/internal/metrics"
	"github.com/rcliao/memoryscope/internal/model"
	"github.com/rcliao/memoryscope/internal/service"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background consolidation loops",
		Long: "Start every backend operation on its schedule and serve Prometheus metrics " +
			"until interrupted. With --stdin, newline-delimited JSON messages read from " +
			"stdin are added to the buffer as they arrive.",
		Run: runServe,
	}

	cmd.Flags().String("metrics-addr", "", "Metrics listen address (default: metrics.addr; \"off\" disables)")
	cmd.Flags().Bool("stdin", false, "Read chat turns from stdin")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	fromStdin, _ := cmd.Flags().GetBool("stdin")

	a := mustApp()
	log := logging.Component(a.log, "serve")
	if addr == "" {
		addr = a.cfg.Metrics.Addr
	}

	var srv *http.Server
	if addr != "" && addr != "off" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		srv = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", addr).Msg("metrics server starting")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	a.svc.StartBackend()
	log.Info().Strs("operations", a.svc.Operations()).Msg("backend loops started")

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	if fromStdin {
		go feedMessages(a.svc, log)
	}

	<-done
	log.Info().Msg("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("metrics shutdown error")
		}
	}
	if err := a.close(ctx); err != nil {
		log.Error().Err(err).Msg("close error")
	}
}

// feedMessages adds each JSON line on stdin as a chat turn until EOF.
func feedMessages(svc *service.Service, log zerolog.Logger) {
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var m model.Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			log.Warn().Err(err).Msg("skipping malformed message")
			continue
		}
		if m.Role == "" {
			m.Role = model.RoleUser
		}
		svc.AddMessages(m)
	}
	if err := sc.Err(); err != nil {
		log.Warn().Err(err).Msg("stdin read failed")
	}
	log.Info().Msg("stdin closed")
}
