package telemetry

import "time"

// Event kinds.
const (
	KindRunStarted  = "run_started"
	KindRepetition  = "repetition"
	KindRunFinished = "run_finished"
)

// ResultEvent is one line of the result stream. Fields that do not apply
// to an event kind are left empty.
type ResultEvent struct {
	Timestamp  time.Time `json:"ts"`
	Experiment string    `json:"experiment"`
	Host       string    `json:"host"`
	Kind       string    `json:"kind"`
	Run        int       `json:"run"`
	API        string    `json:"api"`
	Policy     string    `json:"policy"`
	Pattern    string    `json:"pattern"`
	Tasks      int       `json:"tasks"`

	// Repetition events
	Repetition   int     `json:"rep"`
	Access       string  `json:"access,omitempty"`
	Bytes        int64   `json:"bytes,omitempty"`
	Seconds      float64 `json:"seconds,omitempty"`
	BandwidthMiB float64 `json:"bandwidth_mib_s,omitempty"`
	OpenSeconds  float64 `json:"open_s,omitempty"`
	XferSeconds  float64 `json:"xfer_s,omitempty"`
	CloseSeconds float64 `json:"close_s,omitempty"`

	// Run summary events
	Repetitions int     `json:"repetitions,omitempty"`
	MaxMiB      float64 `json:"max_mib_s,omitempty"`
	MinMiB      float64 `json:"min_mib_s,omitempty"`
	MeanMiB     float64 `json:"mean_mib_s,omitempty"`
	StdDevMiB   float64 `json:"stddev_mib_s,omitempty"`
	MeanSeconds float64 `json:"mean_s,omitempty"`
	TotalBytes  int64   `json:"total_bytes,omitempty"`

	ClockSkew float64 `json:"clock_skew_s,omitempty"`
	Clamped   bool    `json:"clamped,omitempty"`
}
