// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/schmalle/secman-outdated/pkg/outdated/progress"
)

const writeTimeout = 10 * time.Second

// jobEvents streams the progress events of a job over a websocket.
//
// The first message is the current status of the job. Events follow until
// the job terminates, after which the connection is closed normally. A
// subscriber which cannot keep up is disconnected with
// [websocket.StatusTryAgainLater] and is expected to poll the job status.
func (s *Server) jobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := s.coordinator.GetJobStatus(r.Context(), jobID); err != nil {
		writeError(w, r, err)
		return
	}

	// Subscribe before reading the status, so that no event falls between
	// the status and the stream.
	sub := s.hub.Subscribe(jobID)
	defer sub.Close()

	job, err := s.coordinator.GetJobStatus(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		slog.Warn("cannot accept websocket", "job_id", jobID, "reason", err)
		return
	}
	defer conn.CloseNow()

	// Messages from the client are not expected
	ctx := conn.CloseRead(r.Context())

	current := progress.FromJob(job)
	if err := write(ctx, conn, current); err != nil {
		return
	}
	if current.IsTerminal() {
		conn.Close(websocket.StatusNormalClosure, "job finished")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusTryAgainLater, "subscriber too slow")
				return
			}
			// Events published before the status was read
			if !e.IsTerminal() && e.Processed < current.Processed {
				continue
			}
			if err := write(ctx, conn, e); err != nil {
				return
			}
			if e.IsTerminal() {
				conn.Close(websocket.StatusNormalClosure, "job finished")
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, e progress.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return wsjson.Write(ctx, conn, e)
}
