package domain

import (
	"time"
)

// ChannelEventKind identifies a channel notification.
type ChannelEventKind string

const (
	ChannelEventOpen    ChannelEventKind = "open"
	ChannelEventClose   ChannelEventKind = "close"
	ChannelEventState   ChannelEventKind = "state"
	ChannelEventReceive ChannelEventKind = "receive"
	ChannelEventError   ChannelEventKind = "error"
)

// ChannelEvent is raised by a channel. State-change events carry Previous and
// State; receive events carry Payload; error events carry Err.
type ChannelEvent struct {
	Kind        ChannelEventKind
	ChannelID   string
	ChannelName string
	State       ChannelState
	Previous    ChannelState
	Payload     []byte
	Err         error
	Timestamp   time.Time
}

// PipelineEventKind identifies a pipeline notification.
type PipelineEventKind string

const (
	PipelineEventFilterError PipelineEventKind = "filter.error"
	PipelineEventChannel     PipelineEventKind = "channel"
	PipelineEventComplete    PipelineEventKind = "pipeline.completed"
	PipelineEventError       PipelineEventKind = "pipeline.failed"
)

// IsTerminal reports whether the kind ends an execution. Exactly one terminal
// event is raised per execution.
func (k PipelineEventKind) IsTerminal() bool {
	return k == PipelineEventComplete || k == PipelineEventError
}

// PipelineEvent is raised by a pipeline to its host.
type PipelineEvent struct {
	Kind        PipelineEventKind
	Pipeline    string
	ExecutionID string
	Timestamp   time.Time

	// Context is the final context for complete events.
	Context *OperationContext

	// Err is set for filter-error and pipeline-error events. For pipeline
	// errors it is the originating error, usually a *PipelineError.
	Err error

	// Filter identification for filter-error events.
	FilterName string
	FilterID   string
	Fatal      bool

	// Channel is the forwarded channel notification for channel events.
	Channel *ChannelEvent
}

// LifecycleEvent is the persisted form of a pipeline event.
// These events are published to event stores for decoupled consumers (audit, analytics, etc.).
type LifecycleEvent struct {
	Type        PipelineEventKind `json:"type"`
	Pipeline    string            `json:"pipeline"`
	ExecutionID string            `json:"execution_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Data        interface{}       `json:"data"`
}

// LifecycleCompletedData contains data for pipeline.completed events.
type LifecycleCompletedData struct {
	StatusCode  int    `json:"status_code"`
	Status      string `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	ContentSize int    `json:"content_size"`
}

// LifecycleFailedData contains data for pipeline.failed and filter.error events.
type LifecycleFailedData struct {
	Message    string `json:"message"`
	FilterName string `json:"filter_name,omitempty"`
	FilterID   string `json:"filter_id,omitempty"`
	Fatal      bool   `json:"fatal"`
}

// LifecycleChannelData contains data for channel events.
type LifecycleChannelData struct {
	Kind        ChannelEventKind `json:"kind"`
	ChannelID   string           `json:"channel_id"`
	ChannelName string           `json:"channel_name"`
	State       string           `json:"state"`
	Error       string           `json:"error,omitempty"`
}

// NewLifecycleEvent converts a pipeline event into its persisted form.
func NewLifecycleEvent(ev PipelineEvent) *LifecycleEvent {
	le := &LifecycleEvent{
		Type:        ev.Kind,
		Pipeline:    ev.Pipeline,
		ExecutionID: ev.ExecutionID,
		Timestamp:   ev.Timestamp,
	}

	switch ev.Kind {
	case PipelineEventComplete:
		data := LifecycleCompletedData{}
		if ev.Context != nil {
			data.StatusCode = ev.Context.StatusCode
			data.Status = ev.Context.Status.String()
			data.ContentType = ev.Context.ContentType
			data.ContentSize = len(ev.Context.Content)
		}
		le.Data = data
	case PipelineEventError, PipelineEventFilterError:
		data := LifecycleFailedData{
			FilterName: ev.FilterName,
			FilterID:   ev.FilterID,
			Fatal:      ev.Fatal,
		}
		if ev.Err != nil {
			data.Message = ev.Err.Error()
		}
		le.Data = data
	case PipelineEventChannel:
		if ev.Channel != nil {
			data := LifecycleChannelData{
				Kind:        ev.Channel.Kind,
				ChannelID:   ev.Channel.ChannelID,
				ChannelName: ev.Channel.ChannelName,
				State:       ev.Channel.State.String(),
			}
			if ev.Channel.Err != nil {
				data.Error = ev.Channel.Err.Error()
			}
			le.Data = data
		}
	}

	return le
}
