package control

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/iore/iore/pkg/store"
	"github.com/iore/iore/pkg/telemetry"
)

// Server stores posted result events in a results archive.
type Server struct {
	store   *store.Store
	addr    string
	httpSrv *http.Server
}

// NewServer creates a collection server over st. An empty addr listens on :8080.
func NewServer(addr string, st *store.Store) *Server {
	if addr == "" {
		addr = ":8080"
	}
	return &Server{store: st, addr: addr}
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	s.RegisterAPIRoutes(mux)

	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("results server listening", "component", "control", "addr", s.addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("results server shutting down", "component", "control")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Ingest archives the repetition events of a batch and returns how many
// were stored. Run lifecycle events carry no per-repetition data and are
// only logged.
func (s *Server) Ingest(events []telemetry.ResultEvent) (int, error) {
	var recs []store.Record
	for _, evt := range events {
		switch evt.Kind {
		case telemetry.KindRepetition:
			if store.CheckExperimentID(evt.Experiment) != nil || evt.Access == "" {
				slog.Debug("dropping incomplete event", "component", "control", "experiment", evt.Experiment, "run", evt.Run)
				continue
			}
			recs = append(recs, recordFromEvent(evt))
		case telemetry.KindRunFinished:
			slog.Info("run finished",
				"component", "control", "experiment", evt.Experiment, "host", evt.Host,
				"run", evt.Run, "access", evt.Access, "mean_mib_s", evt.MeanMiB)
		default:
			slog.Debug("ignoring event", "component", "control", "kind", evt.Kind, "experiment", evt.Experiment)
		}
	}
	if len(recs) == 0 {
		return 0, nil
	}
	if err := s.store.Put(recs...); err != nil {
		return 0, err
	}
	return len(recs), nil
}

func recordFromEvent(evt telemetry.ResultEvent) store.Record {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = timeNow()
	}
	return store.Record{
		Experiment:   evt.Experiment,
		Host:         evt.Host,
		Timestamp:    ts,
		Run:          evt.Run,
		Repetition:   evt.Repetition,
		Access:       evt.Access,
		API:          evt.API,
		Policy:       evt.Policy,
		Pattern:      evt.Pattern,
		Tasks:        evt.Tasks,
		Bytes:        evt.Bytes,
		Seconds:      evt.Seconds,
		BandwidthMiB: evt.BandwidthMiB,
		OpenSeconds:  evt.OpenSeconds,
		XferSeconds:  evt.XferSeconds,
		CloseSeconds: evt.CloseSeconds,
	}
}

// timeNow is a variable for testing.
var timeNow = time.Now
