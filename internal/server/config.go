// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server is the local HTTP+SSE service: package upload, job
// start, live progress streaming, backup listing and manual rollback.
// It is a thin consumer of the progress bus and a caller of the engine;
// all hard state lives in the stores the engine owns.
package server

import (
	"io"
	"os"
	"time"

	"github.com/serkankas/offline-updater/internal/hostexec"
	"github.com/serkankas/offline-updater/internal/paths"
	"github.com/serkankas/offline-updater/internal/semver"
	"github.com/serkankas/offline-updater/internal/version"
)

const (
	defaultBind         = "0.0.0.0:8123"
	envHTTPPort         = "UPDATER_HTTP_PORT"
	defaultUploadLimit  = 2 << 30 // 2 GiB
	defaultShutdownWait = 10 * time.Second
)

// Config controls the HTTP service.
type Config struct {
	Bind            string
	BaseDir         string
	Log             string // text|json
	Dev             bool
	MaxUploadBytes  int64
	ShutdownTimeout time.Duration
	StdOut          io.Writer

	EngineVersion semver.Version

	// Host adapters, replaceable in tests.
	Docker   hostexec.DockerClient
	Services hostexec.ServiceManager
	Prober   hostexec.HTTPProber
}

func (c Config) normalize() Config {
	if c.Bind == "" {
		if port := os.Getenv(envHTTPPort); port != "" {
			c.Bind = "0.0.0.0:" + port
		} else {
			c.Bind = defaultBind
		}
	}
	if c.BaseDir == "" {
		c.BaseDir = paths.BaseDir()
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = defaultUploadLimit
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownWait
	}
	if c.StdOut == nil {
		c.StdOut = os.Stdout
	}
	if c.EngineVersion.IsZero() {
		c.EngineVersion = semver.MustParse(version.Engine)
	}
	if c.Docker == nil {
		c.Docker = hostexec.NewCLIDocker()
	}
	if c.Services == nil {
		c.Services = hostexec.NewSystemd()
	}
	if c.Prober == nil {
		c.Prober = hostexec.NewProber()
	}
	return c
}
