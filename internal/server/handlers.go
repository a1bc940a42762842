// SPDX-License-Identifier: AGPL-3.0-or-later
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/serkankas/offline-updater/internal/backup"
	"github.com/serkankas/offline-updater/internal/fsutil"
	"github.com/serkankas/offline-updater/internal/hostexec"
	"github.com/serkankas/offline-updater/internal/journal"
	"github.com/serkankas/offline-updater/internal/server/response"
	"github.com/serkankas/offline-updater/internal/server/sse"
	"github.com/serkankas/offline-updater/internal/state"
)

var allowedUploadExts = []string{".tar.gz", ".tgz"}

func buildHandler(cfg Config, store *state.Store, backups *backup.Manager, hub *sse.Hub, j *journal.Journal, runner *jobRunner) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/system-info", handleSystemInfo(cfg))
	mux.HandleFunc("/api/backups", handleBackups(backups))
	mux.HandleFunc("/api/upload-update", handleUpload(cfg))
	mux.HandleFunc("/api/apply-update", handleApply(cfg, runner))
	mux.HandleFunc("/api/update-status/", handleStatus(store))
	mux.HandleFunc("/api/update-stream/", handleStream(store, hub, j))
	mux.HandleFunc("/api/rollback/", handleRollback(runner))

	return chainMiddleware(mux,
		loggingMiddleware(cfg),
		corsMiddleware(cfg),
	)
}

func handleSystemInfo(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			response.Write(w, response.New(http.StatusMethodNotAllowed, "method not allowed"))
			return
		}
		hostname, _ := os.Hostname()
		disk, err := hostexec.StatDisk(cfg.BaseDir)
		if err != nil {
			response.Write(w, response.New(http.StatusInternalServerError, "disk stat failed", response.WithDetail(err.Error())))
			return
		}
		mem, err := hostexec.StatMemory()
		if err != nil {
			response.Write(w, response.New(http.StatusInternalServerError, "memory stat failed", response.WithDetail(err.Error())))
			return
		}
		response.JSON(w, http.StatusOK, map[string]any{
			"hostname":       hostname,
			"engine_version": cfg.EngineVersion.String(),
			"disk_usage":     disk,
			"memory":         mem,
		})
	}
}

func handleBackups(backups *backup.Manager) http.HandlerFunc {
	type backupView struct {
		Name      string    `json:"name"`
		CreatedAt time.Time `json:"created_at"`
		JobID     string    `json:"job_id,omitempty"`
		Sources   []string  `json:"sources"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			response.Write(w, response.New(http.StatusMethodNotAllowed, "method not allowed"))
			return
		}
		records, err := backups.List()
		if err != nil {
			response.Write(w, response.New(http.StatusInternalServerError, "list backups failed", response.WithDetail(err.Error())))
			return
		}
		views := make([]backupView, 0, len(records))
		for _, rec := range records {
			sources := make([]string, 0, len(rec.Sources))
			for _, s := range rec.Sources {
				sources = append(sources, s.OriginalPath)
			}
			views = append(views, backupView{
				Name:      rec.Name,
				CreatedAt: rec.CreatedAt,
				JobID:     rec.JobID,
				Sources:   sources,
			})
		}
		response.JSON(w, http.StatusOK, views)
	}
}

func handleUpload(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			response.Write(w, response.New(http.StatusMethodNotAllowed, "method not allowed"))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes)
		file, header, err := r.FormFile("file")
		if err != nil {
			response.Write(w, response.New(http.StatusBadRequest, "invalid upload", response.WithDetail(err.Error())))
			return
		}
		defer file.Close()

		name := filepath.Base(header.Filename)
		if !allowedUpload(name) {
			response.Write(w, response.New(http.StatusBadRequest, "invalid file type",
				response.WithDetail(fmt.Sprintf("allowed extensions: %s", strings.Join(allowedUploadExts, ", ")))))
			return
		}

		data, err := io.ReadAll(file)
		if err != nil {
			response.Write(w, response.New(http.StatusBadRequest, "upload failed", response.WithDetail(err.Error())))
			return
		}
		dest := filepath.Join(cfg.BaseDir, "uploads", name)
		if err := fsutil.AtomicWriteFile(dest, data, 0o644); err != nil {
			response.Write(w, response.New(http.StatusInternalServerError, "store upload failed", response.WithDetail(err.Error())))
			return
		}
		response.JSON(w, http.StatusOK, map[string]any{
			"filename": name,
			"size":     len(data),
			"message":  "file uploaded successfully",
		})
	}
}

func allowedUpload(name string) bool {
	for _, ext := range allowedUploadExts {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func handleApply(cfg Config, runner *jobRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			response.Write(w, response.New(http.StatusMethodNotAllowed, "method not allowed"))
			return
		}
		filename := filepath.Base(r.URL.Query().Get("filename"))
		if filename == "" || filename == "." {
			response.Write(w, response.New(http.StatusBadRequest, "filename query parameter required"))
			return
		}
		packagePath := filepath.Join(cfg.BaseDir, "uploads", filename)
		if _, err := os.Stat(packagePath); err != nil {
			response.Write(w, response.New(http.StatusNotFound, "update package not found"))
			return
		}
		job, err := runner.start(packagePath)
		if err != nil {
			if errors.Is(err, errBusy) {
				response.Write(w, response.New(http.StatusConflict, "another update is already in progress",
					response.WithKind(string(state.KindBusy))))
				return
			}
			response.Write(w, response.New(http.StatusInternalServerError, "start update failed", response.WithDetail(err.Error())))
			return
		}
		response.JSON(w, http.StatusOK, map[string]any{
			"job_id":  job.ID,
			"status":  job.Status,
			"message": "update started",
		})
	}
}

func handleStatus(store *state.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			response.Write(w, response.New(http.StatusMethodNotAllowed, "method not allowed"))
			return
		}
		jobID := strings.TrimPrefix(r.URL.Path, "/api/update-status/")
		if jobID == "" || strings.Contains(jobID, "/") {
			response.Write(w, response.New(http.StatusNotFound, "job not found"))
			return
		}
		job, err := store.Load(jobID)
		if err != nil {
			response.Write(w, response.New(http.StatusNotFound, "job not found"))
			return
		}
		response.JSON(w, http.StatusOK, job)
	}
}

func handleStream(store *state.Store, hub *sse.Hub, j *journal.Journal) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			response.Write(w, response.New(http.StatusMethodNotAllowed, "method not allowed"))
			return
		}
		jobID := strings.TrimPrefix(r.URL.Path, "/api/update-stream/")
		if jobID == "" || strings.Contains(jobID, "/") {
			response.Write(w, response.New(http.StatusNotFound, "job not found"))
			return
		}
		if _, err := store.Load(jobID); err != nil {
			response.Write(w, response.New(http.StatusNotFound, "job not found"))
			return
		}

		lastEventID := r.Header.Get("Last-Event-ID")
		if lastEventID == "" {
			lastEventID = r.URL.Query().Get("last_event_id")
		}
		lastSeq, err := journal.ParseEventID(lastEventID)
		if err != nil {
			response.Write(w, response.New(http.StatusBadRequest, "invalid Last-Event-ID", response.WithDetail(err.Error())))
			return
		}

		ctx := r.Context()
		sub := hub.Subscribe(ctx, jobID, "")
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("retry: 2000\n:connected\n\n")); err != nil {
			return
		}
		flush(w)

		// Replay from the durable journal, then follow the live stream,
		// de-duplicating on the shared sequence ids.
		lastSentSeq := lastSeq
		if j != nil {
			err := j.ForEach(ctx, jobID, lastSeq, func(entry journal.Entry) error {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				ev := sse.Event{
					ID:    strconv.FormatInt(entry.Seq, 10),
					Event: entry.EventType,
					Data:  string(entry.Payload),
				}
				if err := writeSSE(w, ev); err != nil {
					return err
				}
				lastSentSeq = entry.Seq
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.C:
				if !ok {
					return
				}
				seq := extractEventID(msg)
				if seq > 0 && seq <= lastSentSeq {
					continue
				}
				if seq > lastSentSeq {
					lastSentSeq = seq
				}
				if _, err := w.Write(msg); err != nil {
					return
				}
				flush(w)
			}
		}
	}
}

func handleRollback(runner *jobRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			response.Write(w, response.New(http.StatusMethodNotAllowed, "method not allowed"))
			return
		}
		jobID := strings.TrimPrefix(r.URL.Path, "/api/rollback/")
		if jobID == "" || strings.Contains(jobID, "/") {
			response.Write(w, response.New(http.StatusNotFound, "job not found"))
			return
		}
		job, err := runner.rollback(jobID)
		if err != nil {
			switch {
			case errors.Is(err, errBusy):
				response.Write(w, response.New(http.StatusConflict, "another update is already in progress",
					response.WithKind(string(state.KindBusy))))
			case os.IsNotExist(err):
				response.Write(w, response.New(http.StatusNotFound, "job not found"))
			case job != nil && job.Status == state.StatusFailed && job.Error != nil && job.Error.Kind == state.KindRollbackFailed:
				response.Write(w, response.New(http.StatusInternalServerError, "rollback failed",
					response.WithDetail(err.Error()), response.WithKind(string(state.KindRollbackFailed))))
			default:
				response.Write(w, response.New(http.StatusBadRequest, "rollback not possible", response.WithDetail(err.Error())))
			}
			return
		}
		response.JSON(w, http.StatusOK, map[string]any{
			"job_id":  job.ID,
			"message": "rollback completed successfully",
		})
	}
}

func writeSSE(w http.ResponseWriter, ev sse.Event) error {
	var sb strings.Builder
	if ev.ID != "" {
		sb.WriteString("id: " + ev.ID + "\n")
	}
	if ev.Event != "" {
		sb.WriteString("event: " + ev.Event + "\n")
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		sb.WriteString("data: " + line + "\n")
	}
	sb.WriteByte('\n')
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return err
	}
	flush(w)
	return nil
}

func flush(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func extractEventID(msg []byte) int64 {
	for _, line := range strings.Split(string(msg), "\n") {
		if strings.HasPrefix(line, "id:") {
			seq, err := journal.ParseEventID(strings.TrimPrefix(line, "id:"))
			if err != nil {
				return 0
			}
			return seq
		}
		if line == "" {
			break
		}
	}
	return 0
}
