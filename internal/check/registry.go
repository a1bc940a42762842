// SPDX-License-Identifier: AGPL-3.0-or-later

// Package check dispatches typed pre/post check specs to their handlers.
// Checks answer pass/fail with a diagnostic. Most are read-only probes;
// disk_space creates its path when it is missing, http_check sends real
// requests, and command runs an arbitrary shell command.
package check

import (
	"context"
	"fmt"
	"time"

	"github.com/serkankas/offline-updater/internal/hostexec"
	"github.com/serkankas/offline-updater/internal/manifest"
)

// Result is a check outcome.
type Result struct {
	OK         bool
	Diagnostic string
}

func pass(format string, args ...interface{}) Result {
	return Result{OK: true, Diagnostic: fmt.Sprintf(format, args...)}
}

func fail(format string, args ...interface{}) Result {
	return Result{OK: false, Diagnostic: fmt.Sprintf(format, args...)}
}

// Env exposes the host adapters and job plumbing to check handlers.
type Env struct {
	Docker   hostexec.DockerClient
	Services hostexec.ServiceManager
	Prober   hostexec.HTTPProber
	Log      func(string)
	// Sleep is injectable so retry loops run instantly under test.
	Sleep func(context.Context, time.Duration)
}

func (e *Env) log(line string) {
	if e.Log != nil {
		e.Log(line)
	}
}

func (e *Env) sleep(ctx context.Context, d time.Duration) {
	if e.Sleep != nil {
		e.Sleep(ctx, d)
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Func is a check handler.
type Func func(ctx context.Context, spec manifest.CheckSpec, env *Env) Result

// Registry maps check types to handlers.
type Registry struct {
	handlers map[string]Func
}

// NewRegistry returns a registry with every built-in check installed.
func NewRegistry() *Registry {
	r := &Registry{handlers: map[string]Func{}}
	r.Register(manifest.CheckDiskSpace, checkDiskSpace)
	r.Register(manifest.CheckDockerRunning, checkDockerRunning)
	r.Register(manifest.CheckFileExists, checkFileExists)
	r.Register(manifest.CheckDockerHealth, checkDockerHealth)
	r.Register(manifest.CheckHTTP, checkHTTP)
	r.Register(manifest.CheckServiceRunning, checkServiceRunning)
	r.Register(manifest.CheckCommand, checkCommand)
	return r
}

// Register installs (or replaces) a handler.
func (r *Registry) Register(typ string, fn Func) {
	r.handlers[typ] = fn
}

// Run dispatches one spec. An unknown type is an error, not a failed
// check; the manifest validator makes it unreachable in practice.
func (r *Registry) Run(ctx context.Context, spec manifest.CheckSpec, env *Env) (Result, error) {
	fn, ok := r.handlers[spec.Type]
	if !ok {
		return Result{}, fmt.Errorf("no handler for check type %q", spec.Type)
	}
	return fn(ctx, spec, env), nil
}
