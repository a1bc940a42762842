// SPDX-License-Identifier: AGPL-3.0-or-later
package action

import (
	"context"
	"fmt"
	"os"

	"github.com/serkankas/offline-updater/internal/manifest"
)

func runComposeDown(ctx context.Context, spec manifest.ActionSpec, env *Env) error {
	env.Logf("stopping compose services: %s", spec.ComposeFile)
	out, err := env.Docker.ComposeDown(ctx, spec.ComposeFile, spec.ComposeDownTimeout())
	if out != "" {
		env.Logf("%s", out)
	}
	if err != nil {
		return fmt.Errorf("docker_compose_down: %w", err)
	}
	return nil
}

func runComposeUp(ctx context.Context, spec manifest.ActionSpec, env *Env) error {
	env.Logf("starting compose services: %s", spec.ComposeFile)
	out, err := env.Docker.ComposeUp(ctx, spec.ComposeFile, spec.DetachOrDefault(), spec.Build)
	if out != "" {
		env.Logf("%s", out)
	}
	if err != nil {
		return fmt.Errorf("docker_compose_up: %w", err)
	}
	return nil
}

func runDockerLoad(ctx context.Context, spec manifest.ActionSpec, env *Env) error {
	tarPath := env.Staged(spec.ImageTar)
	if _, err := os.Stat(tarPath); err != nil {
		return fmt.Errorf("docker_load: image tar not found: %s", tarPath)
	}
	env.Logf("loading image from %s", spec.ImageTar)
	out, err := env.Docker.LoadImage(ctx, tarPath)
	if out != "" {
		env.Logf("%s", out)
	}
	if err != nil {
		return fmt.Errorf("docker_load: %w", err)
	}
	return nil
}

func runDockerPrune(ctx context.Context, spec manifest.ActionSpec, env *Env) error {
	env.Logf("pruning unused images (all=%t)", spec.All)
	out, err := env.Docker.PruneImages(ctx, spec.All, spec.ForceOrDefault())
	if out != "" {
		env.Logf("%s", out)
	}
	if err != nil {
		return fmt.Errorf("docker_prune: %w", err)
	}
	return nil
}
