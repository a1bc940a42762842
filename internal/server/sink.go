// SPDX-License-Identifier: AGPL-3.0-or-later
package server

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/serkankas/offline-updater/internal/journal"
	"github.com/serkankas/offline-updater/internal/server/sse"
	"github.com/serkankas/offline-updater/internal/state"
)

// busSink adapts the progress bus onto the SSE hub and the durable
// journal. The journal allocates the event id first so that live events
// and replayed events share one sequence space.
type busSink struct {
	hub     *sse.Hub
	journal *journal.Journal
}

func newBusSink(hub *sse.Hub, j *journal.Journal) *busSink {
	return &busSink{hub: hub, journal: j}
}

func (s *busSink) EmitStatus(job *state.Job) {
	payload, err := json.Marshal(job)
	if err != nil {
		return
	}
	s.publish(job.ID, "status", payload)
}

func (s *busSink) EmitLog(jobID, line string) {
	s.publish(jobID, "log", []byte(line))
}

func (s *busSink) EmitComplete(job *state.Job) {
	payload, err := json.Marshal(job)
	if err != nil {
		return
	}
	s.publish(job.ID, "complete", payload)
}

func (s *busSink) publish(jobID, event string, data []byte) {
	id := ""
	if s.journal != nil {
		if entry, err := s.journal.Append(context.Background(), jobID, event, data); err == nil {
			id = strconv.FormatInt(entry.Seq, 10)
		}
	}
	if s.hub != nil {
		s.hub.Publish(jobID, sse.Event{ID: id, Event: event, Data: string(data)})
	}
}
