// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// ChatJob is one admitted message handed to the worker tier.
//
// The message text has already passed validation and sanitization; workers
// must not re-expose it through error events.
type ChatJob struct {
	// ID identifies the job (returned to the client in task_queued).
	ID string `json:"id"`

	// ConversationID names the broadcast channel results are published to.
	ConversationID string `json:"conversation_id"`

	// UserID is the authenticated originator.
	UserID string `json:"user_id"`

	// Message is the sanitized message text.
	Message string `json:"message"`

	// IntegrationHint, when non-empty, forces the project-creation route
	// without consulting the classifier.
	IntegrationHint string `json:"integration_hint,omitempty"`

	// EnqueuedAt is when the dispatcher accepted the job.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Attempt counts deliveries of this job, starting at 0.
	Attempt int `json:"attempt"`
}
