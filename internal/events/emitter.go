// SPDX-License-Identifier: AGPL-3.0-or-later
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/serkankas/offline-updater/internal/state"
)

// Event is the wire shape written by the Emitter and journaled for SSE
// replay.
type Event struct {
	Sequence  int64      `json:"sequence"`
	Timestamp time.Time  `json:"timestamp"`
	Type      string     `json:"type"`
	JobID     string     `json:"job_id"`
	Message   string     `json:"message,omitempty"`
	Job       *state.Job `json:"job,omitempty"`
}

// Emitter writes sequence-stamped events to an output stream, as NDJSON
// or a compact text form.
type Emitter struct {
	mu   sync.Mutex
	seq  int64
	out  io.Writer
	json bool
}

// NewEmitter returns an emitter over out, or nil when out is nil.
func NewEmitter(out io.Writer, json bool) *Emitter {
	if out == nil {
		return nil
	}
	return &Emitter{out: out, json: json}
}

func (e *Emitter) emit(ev Event) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	ev.Sequence = e.seq
	ev.Timestamp = time.Now().UTC()

	if e.json {
		payload, err := json.Marshal(ev)
		if err != nil {
			fmt.Fprintf(e.out, "{\"error\":%q}\n", err.Error())
			return
		}
		fmt.Fprintf(e.out, "%s\n", payload)
		return
	}

	switch ev.Type {
	case TypeLog:
		fmt.Fprintf(e.out, "[%s] %s\n", ev.JobID, ev.Message)
	default:
		if ev.Job != nil {
			fmt.Fprintf(e.out, "[%s] %s status=%s phase=%s progress=%d/%d\n",
				ev.JobID, ev.Type, ev.Job.Status, ev.Job.CurrentPhase,
				ev.Job.Progress.CompletedActions, ev.Job.Progress.TotalActions)
		} else {
			fmt.Fprintf(e.out, "[%s] %s\n", ev.JobID, ev.Type)
		}
	}
}

func (e *Emitter) EmitStatus(job *state.Job) {
	e.emit(Event{Type: TypeStatus, JobID: job.ID, Job: job})
}

func (e *Emitter) EmitLog(jobID, line string) {
	if line == "" {
		return
	}
	e.emit(Event{Type: TypeLog, JobID: jobID, Message: line})
}

func (e *Emitter) EmitComplete(job *state.Job) {
	e.emit(Event{Type: TypeComplete, JobID: job.ID, Job: job})
}
