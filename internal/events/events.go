// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events is the progress bus: a single writer (the engine) fans
// typed job events out to any number of sinks — the CLI emitter, the job
// record, the SSE hub and the durable journal.
package events

import (
	"github.com/serkankas/offline-updater/internal/state"
)

const (
	TypeStatus   = "status"
	TypeLog      = "log"
	TypeComplete = "complete"
)

// Sink consumes job events. Implementations must tolerate being called
// from the single engine goroutine only; fan-out to concurrent readers is
// the SSE hub's problem.
type Sink interface {
	// EmitStatus delivers a job snapshot on any status/phase/progress change.
	EmitStatus(job *state.Job)
	// EmitLog delivers one log line for the job.
	EmitLog(jobID, line string)
	// EmitComplete delivers the final snapshot once the job is terminal.
	EmitComplete(job *state.Job)
}

// CompositeSink fans events out to multiple sinks.
type CompositeSink struct {
	sinks []Sink
}

// NewCompositeSink returns a sink forwarding to all non-nil sinks.
// It collapses to nil or the single sink where possible.
func NewCompositeSink(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	switch len(filtered) {
	case 0:
		return nil
	case 1:
		return filtered[0]
	default:
		return &CompositeSink{sinks: filtered}
	}
}

func (c *CompositeSink) EmitStatus(job *state.Job) {
	for _, s := range c.sinks {
		s.EmitStatus(job)
	}
}

func (c *CompositeSink) EmitLog(jobID, line string) {
	for _, s := range c.sinks {
		s.EmitLog(jobID, line)
	}
}

func (c *CompositeSink) EmitComplete(job *state.Job) {
	for _, s := range c.sinks {
		s.EmitComplete(job)
	}
}
