package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/clusterfs/rbhd/internal/config"
	"github.com/clusterfs/rbhd/internal/statusapi"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin HTTP/websocket surface: /metrics, /healthz, /reload, /ws/passes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	return cmd
}

func serve(ctx context.Context) error {
	a, cleanup, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	coordinator := config.NewReloadCoordinator(a.cfg, a.logger)

	hub := statusapi.NewHub(a.logger)
	done := make(chan struct{})
	go hub.Run(done)
	defer close(done)

	router := statusapi.Router(hub)
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/reload", newReloadHandler(coordinator)).Methods(http.MethodPost)

	stopSchedulers := startTriggerSchedulers(ctx, a.cfg, a.logger)
	defer stopSchedulers()

	srv := &http.Server{
		Addr:         coordinator.Current().Server.Addr,
		Handler:      router,
		ReadTimeout:  coordinator.Current().Server.ReadTimeout,
		WriteTimeout: coordinator.Current().Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("serve: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return err
	case <-sigCh:
		a.logger.Info("serve: shutting down")
	case <-ctx.Done():
		a.logger.Info("serve: context cancelled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), coordinator.Current().Server.GracefulShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newReloadHandler returns an http.HandlerFunc that re-reads the
// configured file and swaps it into coordinator. A file that fails to
// load or validate is rejected with 400; a config the coordinator
// refuses (such as an immutable-field change) is rejected with 422.
func newReloadHandler(coordinator *config.ReloadCoordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		next, err := config.Load(configPath)
		if err != nil {
			writeReloadResult(w, http.StatusBadRequest, err)
			return
		}
		if err := coordinator.Reload(next); err != nil {
			writeReloadResult(w, http.StatusUnprocessableEntity, err)
			return
		}
		_, version := coordinator.LastReload()
		writeReloadResult(w, http.StatusOK, nil, version)
	}
}

func writeReloadResult(w http.ResponseWriter, status int, err error, version ...int64) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"ok": err == nil}
	if err != nil {
		body["error"] = err.Error()
	}
	if len(version) > 0 {
		body["version"] = version[0]
	}
	_ = json.NewEncoder(w).Encode(body)
}
