// SPDX-License-Identifier: AGPL-3.0-or-later
package manifest

import (
	"strings"
	"testing"
)

const sample = `
description: "App stack 2.4.1"
date: "2025-11-03"
required_engine_version: "1.2.0"

pre_checks:
  - type: disk_space
    path: /opt/updater
    required_mb: 512
  - type: docker_running

actions:
  - type: backup
    name: save-config
    sources:
      - /etc/app/app.conf
  - type: file_copy
    source: files/app.conf
    destination: /etc/app/app.conf
    checksum: b1946ac92492d2347c6235b4d2611184
  - type: docker_compose_up
    compose_file: /opt/app/docker-compose.yml
    build: true

post_checks:
  - type: http_check
    url: http://127.0.0.1:8080/health
    retries: 5
    delay: 3

rollback:
  enabled: true
  auto_on_failure: true

cleanup:
  remove_old_backups: true
  keep_last_n: 3
  remove_temp_files: true
`

func TestParseSample(t *testing.T) {
	t.Parallel()

	m, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Description != "App stack 2.4.1" {
		t.Fatalf("description = %q", m.Description)
	}
	if got := m.RequiredEngineVersion.String(); got != "1.2.0" {
		t.Fatalf("required_engine_version = %s", got)
	}
	if len(m.PreChecks) != 2 || len(m.Actions) != 3 || len(m.PostChecks) != 1 {
		t.Fatalf("unexpected spec counts: %d/%d/%d", len(m.PreChecks), len(m.Actions), len(m.PostChecks))
	}
	if !m.Rollback.Auto() {
		t.Fatal("rollback.Auto() should be true")
	}
	if m.Actions[0].Label() != "save-config" {
		t.Fatalf("label = %q", m.Actions[0].Label())
	}
	if m.PostChecks[0].HTTPRetries() != 5 || m.PostChecks[0].HTTPDelay() != 3 {
		t.Fatal("http_check overrides not honoured")
	}
	if m.PostChecks[0].HTTPExpectedStatus() != 200 {
		t.Fatal("expected_status default not applied")
	}
}

func TestParseRejectsUnknownActionType(t *testing.T) {
	t.Parallel()

	doc := `
description: x
date: "2025-01-01"
required_engine_version: "1.0.0"
actions:
  - type: teleport
`
	_, err := Parse([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "unknown action type") {
		t.Fatalf("expected unknown-type error, got %v", err)
	}
}

func TestParseRejectsUnknownCheckType(t *testing.T) {
	t.Parallel()

	doc := `
description: x
date: "2025-01-01"
required_engine_version: "1.0.0"
pre_checks:
  - type: crystal_ball
`
	_, err := Parse([]byte(doc))
	if err == nil || !strings.Contains(err.Error(), "unknown check type") {
		t.Fatalf("expected unknown-type error, got %v", err)
	}
}

func TestParseIgnoresUnknownTopLevelKeys(t *testing.T) {
	t.Parallel()

	doc := `
description: x
date: "2025-01-01"
required_engine_version: "1.0.0"
future_extension:
  nested: true
`
	if _, err := Parse([]byte(doc)); err != nil {
		t.Fatalf("unknown top-level key should be ignored: %v", err)
	}
}

func TestParseLegacyAutoRollbackKey(t *testing.T) {
	t.Parallel()

	doc := `
description: x
date: "2025-01-01"
required_engine_version: "1.0.0"
rollback:
  enabled: true
  auto_rollback_on_failure: true
`
	m, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !m.Rollback.Auto() {
		t.Fatal("legacy auto_rollback_on_failure key should enable auto rollback")
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	a := ActionSpec{Type: ActionCommand, Command: "true"}
	if a.CommandTimeout() != 300 {
		t.Fatalf("command timeout default = %d", a.CommandTimeout())
	}
	up := ActionSpec{Type: ActionDockerComposeUp, ComposeFile: "c.yml"}
	if !up.DetachOrDefault() {
		t.Fatal("compose up should default to detached")
	}
	prune := ActionSpec{Type: ActionDockerPrune}
	if !prune.ForceOrDefault() {
		t.Fatal("docker_prune should default to forced")
	}
	sync := ActionSpec{Type: ActionFileSync, Source: "a", Destination: "b"}
	if sync.SyncMode() != SyncMirror {
		t.Fatalf("sync mode default = %s", sync.SyncMode())
	}
	merge := ActionSpec{Type: ActionFileMerge, Source: "a", Destination: "b"}
	if merge.MergeStrategy() != MergeKeepExisting {
		t.Fatalf("merge strategy default = %s", merge.MergeStrategy())
	}
	restore := ActionSpec{Type: ActionRestoreBackup}
	if restore.RestoreTarget() != "latest" {
		t.Fatalf("restore target default = %s", restore.RestoreTarget())
	}
}

func TestValidateRequiredFields(t *testing.T) {
	t.Parallel()

	cases := []string{
		"actions:\n  - type: command\n",
		"actions:\n  - type: backup\n",
		"actions:\n  - type: docker_load\n",
		"actions:\n  - type: file_sync\n    source: a\n    destination: b\n    mode: sideways\n",
		"pre_checks:\n  - type: disk_space\n    path: /x\n",
	}
	for _, body := range cases {
		doc := "description: x\ndate: d\nrequired_engine_version: 1.0.0\n" + body
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("expected validation error for:\n%s", body)
		}
	}
}
