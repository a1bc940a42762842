// SPDX-License-Identifier: AGPL-3.0-or-later
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/serkankas/offline-updater/internal/backup"
	"github.com/serkankas/offline-updater/internal/journal"
	"github.com/serkankas/offline-updater/internal/server/sse"
	"github.com/serkankas/offline-updater/internal/state"
)

// Run boots the HTTP service until the context is cancelled or an
// unrecoverable error occurs.
func Run(ctx context.Context, cfg Config) error {
	norm := cfg.normalize()

	for _, sub := range []string{"uploads", "tmp", "logs", "backups", filepath.Join("state", "jobs")} {
		if err := os.MkdirAll(filepath.Join(norm.BaseDir, sub), 0o755); err != nil {
			return fmt.Errorf("ensure %s: %w", sub, err)
		}
	}

	store, err := state.NewStore(filepath.Join(norm.BaseDir, "state", "jobs"))
	if err != nil {
		return err
	}
	backups, err := backup.NewManager(filepath.Join(norm.BaseDir, "backups"))
	if err != nil {
		return err
	}
	db, err := journal.Open(ctx, journal.Options{Dir: filepath.Join(norm.BaseDir, "state")})
	if err != nil {
		return fmt.Errorf("open event journal: %w", err)
	}
	defer db.Close()

	logger := newLogger(norm)

	// Jobs left non-terminal by a crash are reclassified before the
	// service accepts new work.
	recovered, err := store.Recover()
	if err != nil {
		return fmt.Errorf("recover state: %w", err)
	}
	for _, job := range recovered {
		logger.Warn("reclassified interrupted job", slog.String("job_id", job.ID))
	}

	hub := sse.New(sse.Config{})
	j := journal.New(db)
	runner := newJobRunner(norm, store, backups, hub, j, logger)

	server := &http.Server{
		Addr:    norm.Bind,
		Handler: buildHandler(norm, store, backups, hub, j, runner),
	}

	logger.Info("update service listening", slog.String("bind", norm.Bind), slog.String("base_dir", norm.BaseDir))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), norm.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newLogger(cfg Config) *slog.Logger {
	var handler slog.Handler
	switch strings.ToLower(cfg.Log) {
	case "json":
		handler = slog.NewJSONHandler(cfg.StdOut, nil)
	default:
		handler = slog.NewTextHandler(cfg.StdOut, nil)
	}
	return slog.New(handler)
}
