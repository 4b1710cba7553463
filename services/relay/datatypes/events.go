// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the wire types shared by the relay service:
// the outbound event union published by workers and relayed by the gateway,
// the inbound websocket frames, and the ChatJob handed to the dispatcher.
//
// # Event Union
//
// Outbound events form a closed set. Every event type is a concrete struct
// implementing the unexported Event interface method, so the compiler rejects
// event shapes the gateway does not know how to relay. Each event marshals to
// the wire shape {"event": "<name>", "timestamp": <unix ms>, ...fields}.
//
// Thread Safety:
//
//	All types in this package are immutable after creation and safe for
//	concurrent use.
package datatypes

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of outbound event.
type EventType string

const (
	// EventConnected is sent once after a successful websocket handshake.
	EventConnected EventType = "connected"

	// EventTaskQueued acknowledges that a message was accepted as a job.
	EventTaskQueued EventType = "task_queued"

	// EventChunk carries one streamed completion fragment.
	EventChunk EventType = "chunk"

	// EventToolStart is emitted when an agent strategy invokes a tool.
	EventToolStart EventType = "tool_start"

	// EventToolEnd is emitted when a tool invocation returns.
	EventToolEnd EventType = "tool_end"

	// EventImageGenerating is emitted when an image request is in flight.
	EventImageGenerating EventType = "image_generating"

	// EventImageGenerated carries the produced image reference.
	EventImageGenerated EventType = "image_generated"

	// EventComplete terminates a job's event stream.
	EventComplete EventType = "complete"

	// EventError carries a client-safe failure description.
	EventError EventType = "error"

	// EventPong answers an inbound ping frame.
	EventPong EventType = "pong"
)

// Event is the closed union of outbound events.
//
// The unexported method seals the set: only types in this package satisfy it,
// which keeps publish and relay sides exhaustive.
type Event interface {
	Type() EventType
	isEvent()
}

// stamp returns the event timestamp in Unix milliseconds UTC, matching the
// timestamp convention used across Aleutian services.
func stamp() int64 {
	return time.Now().UnixMilli()
}

// ConnectedEvent confirms the connection and names its conversation.
type ConnectedEvent struct {
	ConversationID string `json:"conversation_id"`
	ConnectionID   string `json:"connection_id"`
	Timestamp      int64  `json:"timestamp"`
}

// TaskQueuedEvent acknowledges dispatch of an admitted message.
type TaskQueuedEvent struct {
	TaskID    string `json:"task_id"`
	Timestamp int64  `json:"timestamp"`
}

// ChunkEvent carries one streamed text fragment.
type ChunkEvent struct {
	Chunk     string `json:"chunk"`
	Timestamp int64  `json:"timestamp"`
}

// ToolStartEvent announces a tool invocation by the agent strategy.
type ToolStartEvent struct {
	Tool      string `json:"tool"`
	Timestamp int64  `json:"timestamp"`
}

// ToolEndEvent reports a finished tool invocation and its output.
type ToolEndEvent struct {
	Tool      string `json:"tool"`
	Output    string `json:"output"`
	Timestamp int64  `json:"timestamp"`
}

// ImageGeneratingEvent signals that an image request is in flight.
type ImageGeneratingEvent struct {
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
}

// ImageGeneratedEvent carries the produced asset reference.
type ImageGeneratedEvent struct {
	ImageURL        string `json:"image_url"`
	SessionID       string `json:"session_id"`
	IterationNumber int    `json:"iteration_number"`
	Timestamp       int64  `json:"timestamp"`
}

// CompleteEvent terminates a job's event stream.
type CompleteEvent struct {
	ProjectCreated bool  `json:"project_created,omitempty"`
	ImageGenerated bool  `json:"image_generated,omitempty"`
	Timestamp      int64 `json:"timestamp"`
}

// ErrorEvent carries a client-safe error description. Internal detail is
// never placed in Error; see the admission and dispatch packages.
type ErrorEvent struct {
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// PongEvent answers an inbound ping frame.
type PongEvent struct {
	Timestamp int64 `json:"timestamp"`
}

func (ConnectedEvent) Type() EventType       { return EventConnected }
func (TaskQueuedEvent) Type() EventType      { return EventTaskQueued }
func (ChunkEvent) Type() EventType           { return EventChunk }
func (ToolStartEvent) Type() EventType       { return EventToolStart }
func (ToolEndEvent) Type() EventType         { return EventToolEnd }
func (ImageGeneratingEvent) Type() EventType { return EventImageGenerating }
func (ImageGeneratedEvent) Type() EventType  { return EventImageGenerated }
func (CompleteEvent) Type() EventType        { return EventComplete }
func (ErrorEvent) Type() EventType           { return EventError }
func (PongEvent) Type() EventType            { return EventPong }

func (ConnectedEvent) isEvent()       {}
func (TaskQueuedEvent) isEvent()      {}
func (ChunkEvent) isEvent()           {}
func (ToolStartEvent) isEvent()       {}
func (ToolEndEvent) isEvent()         {}
func (ImageGeneratingEvent) isEvent() {}
func (ImageGeneratedEvent) isEvent()  {}
func (CompleteEvent) isEvent()        {}
func (ErrorEvent) isEvent()           {}
func (PongEvent) isEvent()            {}

// NewConnected builds a timestamped ConnectedEvent.
func NewConnected(conversationID, connectionID string) ConnectedEvent {
	return ConnectedEvent{ConversationID: conversationID, ConnectionID: connectionID, Timestamp: stamp()}
}

// NewTaskQueued builds a timestamped TaskQueuedEvent.
func NewTaskQueued(taskID string) TaskQueuedEvent {
	return TaskQueuedEvent{TaskID: taskID, Timestamp: stamp()}
}

// NewChunk builds a timestamped ChunkEvent.
func NewChunk(chunk string) ChunkEvent {
	return ChunkEvent{Chunk: chunk, Timestamp: stamp()}
}

// NewToolStart builds a timestamped ToolStartEvent.
func NewToolStart(tool string) ToolStartEvent {
	return ToolStartEvent{Tool: tool, Timestamp: stamp()}
}

// NewToolEnd builds a timestamped ToolEndEvent.
func NewToolEnd(tool, output string) ToolEndEvent {
	return ToolEndEvent{Tool: tool, Output: output, Timestamp: stamp()}
}

// NewImageGenerating builds a timestamped ImageGeneratingEvent.
func NewImageGenerating(sessionID string) ImageGeneratingEvent {
	return ImageGeneratingEvent{SessionID: sessionID, Timestamp: stamp()}
}

// NewImageGenerated builds a timestamped ImageGeneratedEvent.
func NewImageGenerated(imageURL, sessionID string, iteration int) ImageGeneratedEvent {
	return ImageGeneratedEvent{ImageURL: imageURL, SessionID: sessionID, IterationNumber: iteration, Timestamp: stamp()}
}

// NewComplete builds a timestamped CompleteEvent.
func NewComplete(projectCreated, imageGenerated bool) CompleteEvent {
	return CompleteEvent{ProjectCreated: projectCreated, ImageGenerated: imageGenerated, Timestamp: stamp()}
}

// NewError builds a timestamped ErrorEvent.
func NewError(message string) ErrorEvent {
	return ErrorEvent{Error: message, Timestamp: stamp()}
}

// NewPong builds a timestamped PongEvent.
func NewPong() PongEvent {
	return PongEvent{Timestamp: stamp()}
}

// MarshalEvent serializes an event to its wire form.
//
// Description:
//
//	Produces {"event": "<type>", ...fields} by flattening the concrete
//	struct's fields next to the discriminator. The gateway writes the
//	returned bytes verbatim to the client.
//
// Inputs:
//
//	ev - One of the concrete event types in this package.
//
// Outputs:
//
//	[]byte - The wire JSON.
//	error - Non-nil only if JSON encoding fails, which indicates a bug.
func MarshalEvent(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["event"] = string(ev.Type())

	return json.Marshal(fields)
}
