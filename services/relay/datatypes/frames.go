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

// Inbound websocket frame types.
const (
	// FrameMessage carries a user chat message.
	FrameMessage = "message"

	// FramePing requests a pong event.
	FramePing = "ping"
)

// InboundFrame is a frame read from the websocket.
//
// Only the fields matching the Type are populated; unknown types are
// answered with an ErrorEvent and the connection stays open.
type InboundFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// IssueTokenRequest is the body of POST /v1/ws/token.
//
// ConnectionID is optional; when absent the service generates one.
type IssueTokenRequest struct {
	ConnectionID string `json:"connection_id,omitempty" binding:"omitempty,max=128"`
}

// IssueTokenResponse is the reply to a successful token issuance.
type IssueTokenResponse struct {
	ConnectionToken string `json:"connection_token"`
	ExpiresIn       int    `json:"expires_in"`
	ConnectionID    string `json:"connection_id"`
}
