package telemetry

import (
	"time"

	"github.com/iore/iore/pkg/engine"
	"github.com/iore/iore/pkg/results"
)

// Sink turns engine results into events on a Collector.
type Sink struct {
	Collector  *Collector
	Experiment string
	Host       string

	now func() time.Time
}

// NewSink creates a sink stamping events with the experiment id and host.
func NewSink(c *Collector, experiment, host string) *Sink {
	return &Sink{Collector: c, Experiment: experiment, Host: host, now: time.Now}
}

func (s *Sink) event(kind string, run *engine.Run) ResultEvent {
	return ResultEvent{
		Timestamp:  s.now(),
		Experiment: s.Experiment,
		Host:       s.Host,
		Kind:       kind,
		Run:        run.ID,
		API:        run.Params.API,
		Policy:     string(run.Params.SharingPolicy),
		Pattern:    string(run.Params.AccessPattern),
		Tasks:      run.Tasks,
	}
}

func (s *Sink) RunStarted(run *engine.Run, info engine.RunInfo) error {
	evt := s.event(KindRunStarted, run)
	evt.Tasks = info.Tasks
	evt.ClockSkew = info.ClockSkew
	evt.Clamped = info.Clamped
	s.Collector.Record(evt)
	return nil
}

func (s *Sink) Repetition(run *engine.Run, rep int, write, read *results.Summary) error {
	for _, sum := range []*results.Summary{write, read} {
		if sum == nil {
			continue
		}
		evt := s.event(KindRepetition, run)
		evt.Repetition = rep
		evt.Access = sum.Access.String()
		evt.Bytes = sum.Bytes
		evt.Seconds = sum.Elapsed()
		evt.BandwidthMiB = sum.Bandwidth()
		evt.OpenSeconds = sum.OpenTime()
		evt.XferSeconds = sum.XferTime()
		evt.CloseSeconds = sum.CloseTime()
		s.Collector.Record(evt)
	}
	return nil
}

func (s *Sink) RunFinished(run *engine.Run, stats []results.Stats) error {
	for _, st := range stats {
		if st.Repetitions == 0 {
			continue
		}
		evt := s.event(KindRunFinished, run)
		evt.Access = st.Access.String()
		evt.Repetitions = st.Repetitions
		evt.MaxMiB = st.MaxMiB
		evt.MinMiB = st.MinMiB
		evt.MeanMiB = st.MeanMiB
		evt.StdDevMiB = st.StdDevMiB
		evt.MeanSeconds = st.MeanTime
		evt.TotalBytes = st.TotalBytes
		s.Collector.Record(evt)
	}
	s.Collector.Flush()
	return nil
}
