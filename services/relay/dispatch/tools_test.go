// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatch

import (
	"context"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

func TestImportRepositoryTool(t *testing.T) {
	ctx := context.Background()
	tool := &ImportRepositoryTool{}

	t.Run("url in message", func(t *testing.T) {
		out, err := tool.Run(ctx, datatypes.ChatJob{
			Message: "please import https://github.com/acme/widgets.git into my workspace",
		})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if !strings.Contains(out, "repository: https://github.com/acme/widgets.git") {
			t.Errorf("output = %q", out)
		}
		if !strings.Contains(out, "project_name: widgets") {
			t.Errorf("output = %q", out)
		}
	})

	t.Run("falls back to integration hint", func(t *testing.T) {
		out, err := tool.Run(ctx, datatypes.ChatJob{
			Message:         "set up my project",
			IntegrationHint: "https://gitlab.com/acme/api",
		})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if !strings.Contains(out, "repository: https://gitlab.com/acme/api") {
			t.Errorf("output = %q", out)
		}
	})

	t.Run("no reference anywhere", func(t *testing.T) {
		if _, err := tool.Run(ctx, datatypes.ChatJob{Message: "make me a project"}); err == nil {
			t.Error("expected error without a repository reference")
		}
	})
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	if _, ok := r.Get("import_repository"); !ok {
		t.Error("default registry missing import_repository")
	}
	if _, ok := r.Get("unknown"); ok {
		t.Error("unknown tool resolved")
	}
}
