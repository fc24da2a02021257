// Package types contains public data types shared by the benchmark engine,
// the HTTP API and persisted run history.
// These types form the external interface and must remain backwards-compatible.
package types

import (
	"fmt"
	"strings"
	"time"
)

// TxStatus is the terminal state of one submitted request.
type TxStatus string

const (
	TxSuccess TxStatus = "success"
	TxFailed  TxStatus = "failed"
)

// TxOutcome is the recorded result of one submitted request.
type TxOutcome struct {
	ID         string    `json:"id,omitempty"`
	Status     TxStatus  `json:"status"`
	TimeCreate time.Time `json:"timeCreate"`
	TimeFinal  time.Time `json:"timeFinal"`
	ErrMsg     string    `json:"error,omitempty"`
	Verified   bool      `json:"verified"`
	Result     string    `json:"result,omitempty"`
}

// NewTxOutcome starts an outcome stamped with the current time.
func NewTxOutcome() TxOutcome {
	return TxOutcome{TimeCreate: time.Now()}
}

// Succeed finalizes the outcome as successful.
func (o *TxOutcome) Succeed(id string) {
	o.ID = id
	o.Result = id
	o.Verified = true
	o.Status = TxSuccess
	o.TimeFinal = time.Now()
}

// Fail finalizes the outcome as failed with the given message.
func (o *TxOutcome) Fail(msg string) {
	o.Status = TxFailed
	o.ErrMsg = msg
	o.TimeFinal = time.Now()
}

// IsSuccess reports whether the request was committed.
func (o TxOutcome) IsSuccess() bool {
	return o.Status == TxSuccess
}

// Delay returns the time between creation and completion.
func (o TxOutcome) Delay() time.Duration {
	if o.TimeFinal.IsZero() || o.TimeCreate.IsZero() {
		return 0
	}
	return o.TimeFinal.Sub(o.TimeCreate)
}

// TxFileMode selects how transactions are sourced for a round.
type TxFileMode string

const (
	TxFileOff   TxFileMode = "off"
	TxFileWrite TxFileMode = "write"
	TxFileRead  TxFileMode = "read"
)

// ParseTxFileMode accepts the short names and their "file-" prefixed aliases.
func ParseTxFileMode(s string) (TxFileMode, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "file-") {
	case "", "off", "no":
		return TxFileOff, nil
	case "write":
		return TxFileWrite, nil
	case "read":
		return TxFileRead, nil
	default:
		return "", fmt.Errorf("invalid tx file mode: %q (valid: off, write, read)", s)
	}
}

// RateControlSpec names a pacing algorithm and its options.
type RateControlSpec struct {
	Type string         `yaml:"type" json:"type"`
	Opts map[string]any `yaml:"opts,omitempty" json:"opts,omitempty"`
}

// DefaultRateControl is used for sub-rounds without an explicit spec.
func DefaultRateControl() RateControlSpec {
	return RateControlSpec{Type: "fixed-rate", Opts: map[string]any{"tps": 1}}
}

// RoundDescriptor is the immutable description of one sub-round.
type RoundDescriptor struct {
	Label       string          `json:"label"`
	RoundIndex  int             `json:"roundIndex"` // global, 1-based
	SubRound    int             `json:"subRound"`   // 0-based within the round
	SubRounds   int             `json:"subRounds"`
	TxNumber    int             `json:"txNumber,omitempty"`
	TxDuration  time.Duration   `json:"txDuration,omitempty"`
	RateControl RateControlSpec `json:"rateControl"`
	// Trim is a count of transactions for count-driven rounds and a number
	// of seconds for duration-driven rounds.
	Trim      int            `json:"trim"`
	Workload  string         `json:"workload"`
	Arguments map[string]any `json:"arguments,omitempty"`
	TxMode    TxFileMode     `json:"txMode"`
}

// ByCount reports whether the round is driven by a transaction count.
func (d RoundDescriptor) ByCount() bool {
	return d.TxNumber > 0
}

// Validate checks that the descriptor can be executed.
func (d RoundDescriptor) Validate() error {
	if d.Label == "" {
		return fmt.Errorf("round label is required")
	}
	if d.TxNumber <= 0 && d.TxDuration <= 0 {
		return fmt.Errorf("round %q: unspecified test driving mode", d.Label)
	}
	if d.TxNumber > 0 && d.TxDuration > 0 {
		return fmt.Errorf("round %q: txNumber and txDuration are mutually exclusive", d.Label)
	}
	if d.Trim < 0 {
		return fmt.Errorf("round %q: trim cannot be negative", d.Label)
	}
	if d.RateControl.Type == "" {
		return fmt.Errorf("round %q: rate control type is required", d.Label)
	}
	if d.TxMode != TxFileOff && d.TxMode != TxFileWrite && d.TxMode != TxFileRead && d.TxMode != "" {
		return fmt.Errorf("round %q: invalid tx file mode %q", d.Label, d.TxMode)
	}
	if d.TxMode != TxFileOff && d.TxMode != "" && !d.ByCount() {
		return fmt.Errorf("round %q: tx file mode requires txNumber", d.Label)
	}
	return nil
}

// RunStatus represents the state of a benchmark run.
type RunStatus string

const (
	RunIdle      RunStatus = "idle"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RoundStatus is the result of one executed sub-round.
type RoundStatus string

const (
	RoundSucceeded RoundStatus = "succeeded"
	RoundFailed    RoundStatus = "failed"
)

// Progress is a live snapshot of the active run.
type Progress struct {
	Status          RunStatus `json:"status"`
	RunID           string    `json:"runId,omitempty"`
	Benchmark       string    `json:"benchmark,omitempty"`
	Label           string    `json:"label,omitempty"`
	RoundIndex      int       `json:"roundIndex"`
	TotalRounds     int       `json:"totalRounds"`
	Workers         int       `json:"workers"`
	TxSubmitted     int64     `json:"txSubmitted"`
	TxSucceeded     int64     `json:"txSucceeded"`
	TxFailed        int64     `json:"txFailed"`
	TxInFlight      int64     `json:"txInFlight"`
	RoundsSucceeded int       `json:"roundsSucceeded"`
	RoundsFailed    int       `json:"roundsFailed"`
	StartedAt       time.Time `json:"startedAt,omitempty"`
	ElapsedMs       int64     `json:"elapsedMs"`
}

// LatencySummary is a compact view of round latency in seconds.
type LatencySummary struct {
	Min float64  `json:"min"`
	Max float64  `json:"max"`
	Avg float64  `json:"avg"`
	P75 *float64 `json:"p75,omitempty"`
}
