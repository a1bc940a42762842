// SPDX-License-Identifier: AGPL-3.0-or-later
package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/serkankas/offline-updater/internal/state"
)

type captureSink struct {
	logs     []string
	statuses int
}

func (c *captureSink) EmitStatus(*state.Job)     { c.statuses++ }
func (c *captureSink) EmitLog(_, line string)    { c.logs = append(c.logs, line) }
func (c *captureSink) EmitComplete(j *state.Job) { c.statuses++ }

func TestEmitterNDJSONSequences(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	em := NewEmitter(&buf, true)
	job := state.NewJob("x")
	em.EmitStatus(job)
	em.EmitLog(job.ID, "working")
	em.EmitComplete(job)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 events, got %d", len(lines))
	}
	var last Event
	if err := json.Unmarshal([]byte(lines[2]), &last); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if last.Sequence != 3 || last.Type != TypeComplete {
		t.Fatalf("unexpected final event: %+v", last)
	}
}

func TestCompositeSinkFansOut(t *testing.T) {
	t.Parallel()

	a, b := &captureSink{}, &captureSink{}
	sink := NewCompositeSink(a, nil, b)
	sink.EmitLog("j", "line")
	if len(a.logs) != 1 || len(b.logs) != 1 {
		t.Fatal("composite did not fan out")
	}

	if NewCompositeSink(nil, nil) != nil {
		t.Fatal("all-nil composite should collapse to nil")
	}
	if NewCompositeSink(a) != Sink(a) {
		t.Fatal("single-sink composite should collapse to the sink")
	}
}

func TestLogWriterSplitsLines(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	w := NewLogWriter(sink, "j", "stdout", nil)
	if _, err := w.Write([]byte("first\nsec")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("ond\ntail")); err != nil {
		t.Fatal(err)
	}
	w.Flush()

	want := []string{"stdout: first", "stdout: second", "stdout: tail"}
	if len(sink.logs) != len(want) {
		t.Fatalf("got %d lines: %v", len(sink.logs), sink.logs)
	}
	for i := range want {
		if sink.logs[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, sink.logs[i], want[i])
		}
	}
}
