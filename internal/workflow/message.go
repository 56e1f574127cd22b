package workflow

import (
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/engine"
	"github.com/withObsrvr/obsrvr-delta-streamer/internal/snapshot"
)

// State names one step of the delta workflow.
type State string

const (
	StateRegister     State = "REGISTER"
	StateAcquireLock  State = "ACQUIRE_LOCK"
	StateComputeDelta State = "COMPUTE_DELTA"
	StatePollStatus   State = "POLL_STATUS"
	StatePublish      State = "PUBLISH"
	StateReleaseLock  State = "RELEASE_LOCK"
	StateDone         State = "DONE"
)

// Message is the mutable run record a workflow carries between steps.
// One message corresponds to one upload being processed end to end.
type Message struct {
	RequestID string

	// Upload identity, fixed at creation.
	Tenant      string
	Table       string
	Version     string
	FileName    string
	DatasetID   string
	Path        string
	StorageKey  string
	SizeBytes   int64
	ContentHash string

	// Run progress.
	Locked     bool
	JobID      string
	VersionOld string
	JobState   engine.JobState
	Published  int
}

// NewMessage builds the run record for one upload event.
func NewMessage(requestID string, ev snapshot.UploadEvent) *Message {
	return &Message{
		RequestID:   requestID,
		Tenant:      ev.Tenant,
		Table:       ev.Table,
		Version:     ev.Version,
		FileName:    ev.FileName,
		DatasetID:   ev.DatasetID,
		Path:        ev.Path,
		StorageKey:  ev.StorageKey,
		SizeBytes:   ev.SizeBytes,
		ContentHash: ev.ContentHash,
	}
}
