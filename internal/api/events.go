package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/cihq/internal/analysis"
	"github.com/kalambet/cihq/internal/jobs"
)

// handleJobEvents streams a job's events as Server-Sent Events, ending with
// its terminal event. A job that already finished gets a single event built
// from what Recover knows about it.
func handleJobEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}
		id := chi.URLParam(r, "id")

		ch, unsubscribe, err := deps.Jobs.Subscribe(id)
		if err != nil {
			if !errors.Is(err, jobs.ErrUnknownJob) {
				httpError(w, http.StatusInternalServerError, "api_error", "subscribing: %v", err)
				return
			}
			st, err := deps.Service.Recover(r.Context(), id)
			if err != nil {
				httpError(w, statusFor(err), errorKind(err), "%s", err.Error())
				return
			}
			startStream(w)
			writeEvent(w, flusher, recoveredEvent(id, st))
			return
		}
		defer unsubscribe()

		startStream(w)
		ev, err := jobs.Await(r.Context(), ch, deps.ListenerTimeout, func(ev jobs.Event) {
			writeEvent(w, flusher, ev)
		})
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			ev = jobs.Event{JobID: id, Type: jobs.EventError, Message: err.Error(), ErrorKind: "timeout"}
		}
		writeEvent(w, flusher, ev)
	}
}

// recoveredEvent stands in for the terminal event of a job the listener
// missed.
func recoveredEvent(id string, st analysis.Status) jobs.Event {
	ev := jobs.Event{JobID: id, Type: jobs.EventError}
	switch st.State {
	case analysis.StateComplete:
		ev.Type = jobs.EventComplete
		ev.Result, _ = json.Marshal(st.Last)
	case analysis.StateStale:
		ev.Message = st.Message
		ev.ErrorKind = "stale_job"
	case analysis.StateRunning:
		ev.Message = "Job is not running in this service"
		ev.ErrorKind = "not_found"
	default:
		ev.Message = "No result for job " + id
		ev.ErrorKind = "not_found"
	}
	return ev
}

func startStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeEvent(w io.Writer, flusher http.Flusher, ev jobs.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("failed to encode job event", "job_id", ev.JobID, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	flusher.Flush()
}

// ReadEvents parses a job event stream, calling fn for each event until the
// terminal one, which it returns.
func ReadEvents(r io.Reader, fn func(jobs.Event)) (jobs.Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestBodySize)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev jobs.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return jobs.Event{}, fmt.Errorf("decoding event: %w", err)
		}
		if ev.Terminal() {
			return ev, nil
		}
		if fn != nil {
			fn(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return jobs.Event{}, fmt.Errorf("reading events: %w", err)
	}
	return jobs.Event{}, io.ErrUnexpectedEOF
}
