// Package node holds the state tracked for each canvas node of a generation.
//
// Every Record is a small state machine:
//
//	Pending -> InFlight -> Succeeded | Failed
//	Failed  -> Pending (explicit re-arm only)
//
// A Record carries a payload if and only if it is Succeeded, and an error
// kind if and only if it is Failed. Records change only through Reduce, which
// the Model applies while serializing writers and publishing each accepted
// transition to its subscribers.
package node

import (
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/craftkit/media"
	"github.com/deepnoodle-ai/craftkit/steps"
)

var (
	ErrNotFound          = errors.New("node not found")
	ErrInvalidTransition = errors.New("invalid node transition")
	ErrPayloadMismatch   = errors.New("payload does not match node kind")
)

// Kind identifies what a node displays.
type Kind string

const (
	KindMaster    Kind = "master"
	KindMaterials Kind = "materials"
	KindStep      Kind = "step"
)

// Status is the lifecycle state of a node.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition happens without a re-arm.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ErrorKind classifies why a node failed.
type ErrorKind string

const (
	// ErrorServiceUnavailable means transient failures exhausted the retry budget
	ErrorServiceUnavailable ErrorKind = "service_unavailable"

	// ErrorRejected means the service refused the request permanently
	ErrorRejected ErrorKind = "rejected"

	// ErrorInvalidSelection means a region selection was empty or unusable
	ErrorInvalidSelection ErrorKind = "invalid_selection"

	// ErrorCancelled means the generation was cancelled before the result
	// was accepted
	ErrorCancelled ErrorKind = "cancelled"
)

// Payload is the result attached to a Succeeded node. Master and step nodes
// carry an Image; the materials node carries Materials.
type Payload struct {
	Image     *media.Image `json:"image,omitempty"`
	Materials []string     `json:"materials,omitempty"`
}

func (p *Payload) validFor(kind Kind) error {
	if p == nil {
		return fmt.Errorf("%w: payload is required", ErrPayloadMismatch)
	}
	switch kind {
	case KindMaster, KindStep:
		if p.Image == nil || len(p.Image.Data) == 0 {
			return fmt.Errorf("%w: %s node requires an image", ErrPayloadMismatch, kind)
		}
		if p.Materials != nil {
			return fmt.Errorf("%w: %s node cannot carry materials", ErrPayloadMismatch, kind)
		}
	case KindMaterials:
		if p.Materials == nil {
			return fmt.Errorf("%w: materials node requires a materials list", ErrPayloadMismatch)
		}
		if p.Image != nil {
			return fmt.Errorf("%w: materials node cannot carry an image", ErrPayloadMismatch)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrPayloadMismatch, kind)
	}
	return nil
}

func (p *Payload) clone() *Payload {
	if p == nil {
		return nil
	}
	out := &Payload{Image: p.Image}
	if p.Materials != nil {
		out.Materials = append([]string{}, p.Materials...)
	}
	return out
}

// AnalysisStatus tracks the analysis stage run against a master node.
type AnalysisStatus string

const (
	AnalysisIdle      AnalysisStatus = ""
	AnalysisRunning   AnalysisStatus = "running"
	AnalysisFailed    AnalysisStatus = "failed"
	AnalysisCompleted AnalysisStatus = "completed"
)

// Analysis is the analysis sub-state of a master node. A failed analysis
// leaves the master Succeeded with its image and can be started again.
type Analysis struct {
	Status    AnalysisStatus `json:"status,omitempty"`
	ErrorKind ErrorKind      `json:"error_kind,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Record is the externally visible state of one node.
type Record struct {
	ID         string      `json:"id"`
	Kind       Kind        `json:"kind"`
	ParentID   string      `json:"parent_id,omitempty"`
	Status     Status      `json:"status"`
	Payload    *Payload    `json:"payload,omitempty"`
	RetryCount int         `json:"retry_count"`
	ErrorKind  ErrorKind   `json:"error_kind,omitempty"`
	Error      string      `json:"error,omitempty"`
	Step       *steps.Step `json:"step,omitempty"`
	Analysis   *Analysis   `json:"analysis,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with r.
func (r Record) Clone() Record {
	r.Payload = r.Payload.clone()
	if r.Step != nil {
		s := *r.Step
		r.Step = &s
	}
	if r.Analysis != nil {
		a := *r.Analysis
		r.Analysis = &a
	}
	return r
}

// EventType names a node transition.
type EventType string

const (
	EventTypeCreated           EventType = "node.created"
	EventTypeDispatched        EventType = "node.dispatched"
	EventTypeSucceeded         EventType = "node.succeeded"
	EventTypeFailed            EventType = "node.failed"
	EventTypeRearmed           EventType = "node.rearmed"
	EventTypeAnalysisStarted   EventType = "analysis.started"
	EventTypeAnalysisFailed    EventType = "analysis.failed"
	EventTypeAnalysisCompleted EventType = "analysis.completed"
)

func (t EventType) String() string {
	return string(t)
}

// Event is a requested change to one record.
type Event struct {
	Type      EventType
	NodeID    string
	Payload   *Payload
	ErrorKind ErrorKind
	Error     string
	At        time.Time
}

// Reduce applies ev to rec and returns the resulting record. rec is not
// modified. An illegal transition returns ErrInvalidTransition and a payload
// that does not fit the record's kind returns ErrPayloadMismatch.
func Reduce(rec Record, ev Event) (Record, error) {
	next := rec.Clone()
	next.UpdatedAt = ev.At

	invalid := func() (Record, error) {
		return rec, fmt.Errorf("%w: %s on %s node %s", ErrInvalidTransition, ev.Type, rec.Status, rec.ID)
	}

	switch ev.Type {
	case EventTypeDispatched:
		if rec.Status != StatusPending {
			return invalid()
		}
		next.Status = StatusInFlight

	case EventTypeSucceeded:
		if rec.Status != StatusInFlight {
			return invalid()
		}
		if err := ev.Payload.validFor(rec.Kind); err != nil {
			return rec, err
		}
		next.Status = StatusSucceeded
		next.Payload = ev.Payload.clone()

	case EventTypeFailed:
		if rec.Status != StatusInFlight {
			return invalid()
		}
		if ev.ErrorKind == "" {
			return rec, fmt.Errorf("%w: error kind is required to fail node %s", ErrInvalidTransition, rec.ID)
		}
		next.Status = StatusFailed
		next.ErrorKind = ev.ErrorKind
		next.Error = ev.Error

	case EventTypeRearmed:
		if rec.Status != StatusFailed {
			return invalid()
		}
		next.Status = StatusPending
		next.ErrorKind = ""
		next.Error = ""
		next.RetryCount++

	case EventTypeAnalysisStarted:
		if rec.Kind != KindMaster || rec.Status != StatusSucceeded {
			return invalid()
		}
		if rec.Analysis != nil && (rec.Analysis.Status == AnalysisRunning || rec.Analysis.Status == AnalysisCompleted) {
			return invalid()
		}
		next.Analysis = &Analysis{Status: AnalysisRunning}

	case EventTypeAnalysisFailed:
		if rec.Analysis == nil || rec.Analysis.Status != AnalysisRunning {
			return invalid()
		}
		if ev.ErrorKind == "" {
			return rec, fmt.Errorf("%w: error kind is required to fail analysis of %s", ErrInvalidTransition, rec.ID)
		}
		next.Analysis = &Analysis{Status: AnalysisFailed, ErrorKind: ev.ErrorKind, Error: ev.Error}

	case EventTypeAnalysisCompleted:
		if rec.Analysis == nil || rec.Analysis.Status != AnalysisRunning {
			return invalid()
		}
		next.Analysis = &Analysis{Status: AnalysisCompleted}

	default:
		return invalid()
	}
	return next, nil
}
