package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage names the lifecycle milestone an Event reports.
type Stage string

// Supported stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageRecordDone Stage = "RECORD_DONE"
	StageRunDone    Stage = "RUN_DONE"
)

// OutcomeResolved labels RECORD_DONE events for records that produced a feature.
// Failed records carry their failure reason instead.
const OutcomeResolved = "resolved"

// Event is one progress milestone within a run.
type Event struct {
	// RunID is the 16-byte form of the run UUID.
	RunID [16]byte
	TS    time.Time
	Stage Stage
	// Identifier and Outcome are set on RECORD_DONE only.
	Identifier string
	Outcome    string
	// Completed and Total mirror the (completed, total) progress signal.
	Completed int
	Total     int
	// Dur is the record latency for RECORD_DONE and the wall time for RUN_DONE.
	Dur  time.Duration
	Note string
}

// Validate rejects events that sinks cannot interpret.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Total < 0 || e.Completed < 0 {
		return errors.New("counts must be >= 0")
	}
	if e.Completed > e.Total {
		return fmt.Errorf("completed %d exceeds total %d", e.Completed, e.Total)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone:
	case StageRecordDone:
		if e.Identifier == "" {
			return errors.New("record done requires identifier")
		}
		if e.Outcome == "" {
			return errors.New("record done requires outcome")
		}
		if e.Completed == 0 {
			return errors.New("record done requires completed >= 1")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	return nil
}

// RunUUID returns the run id as a uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes converts a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
