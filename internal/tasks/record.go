package tasks

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Record is the persistent, serializable representation of a task. A record
// in a terminal status is never mutated again except by Restart, which
// resets it to PENDING and zeros progress/error/result/timestamps while
// keeping id, name and args. IsExclusive and IsBlocking are immutable after
// creation.
type Record struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	IsExclusive bool            `json:"is_exclusive"`
	IsBlocking  bool            `json:"is_blocking"`
	Status      Status          `json:"status"`
	Progress    Progress        `json:"progress"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	// Args holds the run arguments captured at creation, used to re-instantiate
	// the task on restart. It is nil (and Restartable is false) when the
	// original arguments could not be marshaled to JSON.
	Args        json.RawMessage `json:"args,omitempty"`
	Restartable bool            `json:"restartable"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// NewRecord builds a fresh PENDING record for a task about to be created.
// args is marshaled to JSON for persistence; if that fails the record is
// still created but flagged non-restartable, per spec §4.3 ("if serializing
// run_args/run_kwargs fails... the scheduler retries excluding those two
// fields and logs a warning that the task will not be restartable"). Since
// Go captures arguments as a single typed value rather than Python's
// *args/**kwargs, the equivalent failure point is this one marshal instead
// of a retry-without-fields at every save.
func NewRecord(name string, isExclusive, isBlocking bool, args any) (*Record, error) {
	rec := &Record{
		ID:          uuid.New().String(),
		Name:        name,
		IsExclusive: isExclusive,
		IsBlocking:  isBlocking,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
	if args == nil {
		rec.Restartable = true
		return rec, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		rec.Restartable = false
		return rec, nil
	}
	rec.Args = data
	rec.Restartable = true
	return rec, nil
}

// Clone returns a deep copy safe to hand to external observers.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Result != nil {
		cp.Result = append(json.RawMessage(nil), r.Result...)
	}
	if r.Args != nil {
		cp.Args = append(json.RawMessage(nil), r.Args...)
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
