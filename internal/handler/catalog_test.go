package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"raven/internal/domain/models/llm"
)

type staticTools []llm.ToolDescriptor

func (s staticTools) Descriptors() []llm.ToolDescriptor { return s }

type staticAgents []string

func (s staticAgents) Names() []string { return s }

func TestGetCatalog(t *testing.T) {
	h := NewCatalogHandler(
		staticTools{
			{Name: "current_time", Description: "Current time", Parameters: map[string]interface{}{"type": "object"}},
			{Name: "researcher", Description: "Research agent", Parameters: map[string]interface{}{"type": "object"}},
		},
		staticAgents{"researcher"},
		testLogger(),
	)

	rec := httptest.NewRecorder()
	h.GetCatalog(rec, httptest.NewRequest(http.MethodGet, "/api/catalog", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp CatalogResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(resp.Tools))
	}
	if resp.Tools[0].Agent {
		t.Error("current_time marked as agent")
	}
	if !resp.Tools[1].Agent {
		t.Error("researcher not marked as agent")
	}
	if len(resp.Agents) != 1 || resp.Agents[0] != "researcher" {
		t.Errorf("agents = %v", resp.Agents)
	}
}
