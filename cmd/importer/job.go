package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/airframesio/table-importer/cmd/dbconn"
	"github.com/airframesio/table-importer/cmd/mapping"
)

// DefaultPageSize is used when neither the request nor the settings set one.
const DefaultPageSize = 500

// Mode is the conflict policy for rows whose key already exists in the
// target.
type Mode string

const (
	ModeReplace      Mode = "replace"
	ModeInsertIgnore Mode = "insert_ignore"
)

// ParseMode accepts the canonical names plus "overwrite" and "insert".
// An empty string selects insert_ignore.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "replace", "overwrite":
		return ModeReplace, nil
	case "", "insert_ignore", "insert":
		return ModeInsertIgnore, nil
	default:
		return "", fmt.Errorf("%w: '%s'", ErrInvalidMode, s)
	}
}

func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m Mode) conflict() dbconn.Conflict {
	if m == ModeReplace {
		return dbconn.ConflictReplace
	}
	return dbconn.ConflictIgnore
}

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Request is what a caller finalizes before starting an import.
type Request struct {
	SourceTable string               `json:"source_table"`
	TargetTable string               `json:"target_table"`
	Mapping     mapping.FieldMapping `json:"field_mapping"`
	Defaults    mapping.Defaults     `json:"default_values"`
	Mode        Mode                 `json:"import_mode"`
	PageSize    int                  `json:"page_size,omitempty"`
}

func (r Request) withDefaults() Request {
	if r.Mode == "" {
		r.Mode = ModeInsertIgnore
	}
	return r
}

// Validate checks the request on its own, without touching a database.
// An empty mode counts as insert_ignore.
func (r Request) Validate() error {
	r = r.withDefaults()
	if r.SourceTable == "" {
		return ErrSourceTableRequired
	}
	if r.TargetTable == "" {
		return ErrTargetTableRequired
	}
	if r.Mapping.Len() == 0 {
		return ErrEmptyMapping
	}
	if r.Mode != ModeReplace && r.Mode != ModeInsertIgnore {
		return fmt.Errorf("%w: '%s'", ErrInvalidMode, r.Mode)
	}
	if r.PageSize < 0 {
		return fmt.Errorf("%w, got %d", ErrInvalidPageSize, r.PageSize)
	}
	return nil
}

// Settings is the connection and tuning snapshot a job runs with. It is
// captured when the job is created and never changes afterwards.
type Settings struct {
	Source     dbconn.Config
	Target     dbconn.Config
	PageSize   int
	MaxRetries int           // total attempts per page read or write
	RetryDelay time.Duration // fixed wait between attempts
}

// Job is one run of an import. The engine owns it while it is running; once
// terminal it no longer changes.
type Job struct {
	ID       string
	Request  Request
	Settings Settings

	mu        sync.Mutex
	state     State
	total     int64
	imported  int64
	progress  int
	startedAt time.Time
	duration  time.Duration
	err       error
	cancel    context.CancelFunc
	done      chan struct{}
	doneOnce  sync.Once
}

// NewJob creates a pending job with a fresh ID. The request page size wins
// over the settings page size.
func NewJob(req Request, settings Settings) *Job {
	req = req.withDefaults()
	if req.PageSize <= 0 {
		req.PageSize = settings.PageSize
	}
	if req.PageSize <= 0 {
		req.PageSize = DefaultPageSize
	}
	return &Job{
		ID:       uuid.NewString(),
		Request:  req,
		Settings: settings,
		state:    StatePending,
		done:     make(chan struct{}),
	}
}

// Snapshot is a point-in-time copy of a job.
type Snapshot struct {
	ID              string               `json:"id"`
	SourceTable     string               `json:"source_table"`
	TargetTable     string               `json:"target_table"`
	Mapping         mapping.FieldMapping `json:"field_mapping"`
	Defaults        mapping.Defaults     `json:"default_values"`
	Mode            Mode                 `json:"import_mode"`
	PageSize        int                  `json:"page_size"`
	State           State                `json:"state"`
	TotalRecords    int64                `json:"total_records"`
	ImportedRecords int64                `json:"imported_records"`
	Progress        int                  `json:"progress"`
	StartedAt       time.Time            `json:"started_at,omitempty"`
	Duration        float64              `json:"duration"` // seconds
	Error           string               `json:"error,omitempty"`
}

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := Snapshot{
		ID:              j.ID,
		SourceTable:     j.Request.SourceTable,
		TargetTable:     j.Request.TargetTable,
		Mapping:         j.Request.Mapping,
		Defaults:        j.Request.Defaults,
		Mode:            j.Request.Mode,
		PageSize:        j.Request.PageSize,
		State:           j.state,
		TotalRecords:    j.total,
		ImportedRecords: j.imported,
		Progress:        j.progress,
		StartedAt:       j.startedAt,
		Duration:        j.duration.Seconds(),
	}
	if j.state == StateRunning {
		s.Duration = time.Since(j.startedAt).Seconds()
	}
	if j.err != nil {
		s.Error = j.err.Error()
	}
	return s
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the failure of a Failed job.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done is closed once the job is terminal and recorded.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Cancel asks a running job to stop. It ends Failed.
func (j *Job) Cancel() {
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// start moves a pending job to Running. cancel is stored under the same lock,
// so any Cancel that observes Running can stop the job.
func (j *Job) start(cancel context.CancelFunc) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StatePending {
		return fmt.Errorf("%w: %s is %s", ErrJobNotPending, j.ID, j.state)
	}
	j.cancel = cancel
	j.state = StateRunning
	j.startedAt = time.Now()
	return nil
}

func (j *Job) setTotal(total int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.total = total
}

func (j *Job) setProgress(p int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.progress = p
}

func (j *Job) addImported(n int64) int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.imported += n
	return j.imported
}

// finish moves a running job to its terminal state.
func (j *Job) finish(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateRunning {
		return
	}
	j.duration = time.Since(j.startedAt)
	j.err = err
	if err != nil {
		j.state = StateFailed
	} else {
		j.state = StateSucceeded
		j.progress = 100
	}
}

// cancelPending fails a job that has not started yet. It reports false when
// the job already left Pending.
func (j *Job) cancelPending() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StatePending {
		return false
	}
	j.startedAt = time.Now()
	j.state = StateFailed
	j.err = ErrJobCancelled
	return true
}

// markDone releases Done waiters once the history entry is written.
func (j *Job) markDone() {
	j.doneOnce.Do(func() { close(j.done) })
}
