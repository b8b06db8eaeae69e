package handler

import (
	"log/slog"
	"net/http"

	"raven/internal/domain/models/llm"
	"raven/internal/httputil"
)

// ToolLister is the part of the tool catalog the API reads.
type ToolLister interface {
	Descriptors() []llm.ToolDescriptor
}

// AgentLister names the agents that can be called as tools.
type AgentLister interface {
	Names() []string
}

// CatalogHandler describes what the assistant can call
type CatalogHandler struct {
	tools  ToolLister
	agents AgentLister
	logger *slog.Logger
}

// NewCatalogHandler creates a new catalog handler
func NewCatalogHandler(tools ToolLister, agents AgentLister, logger *slog.Logger) *CatalogHandler {
	return &CatalogHandler{
		tools:  tools,
		agents: agents,
		logger: logger,
	}
}

// ToolResponse is one callable tool
type ToolResponse struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
	Agent       bool                   `json:"agent"`
}

// CatalogResponse lists the full catalog. The selector offers a subset of it per step.
type CatalogResponse struct {
	Tools  []ToolResponse `json:"tools"`
	Agents []string       `json:"agents"`
}

// GetCatalog returns every registered tool and agent
// GET /api/catalog
func (h *CatalogHandler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	agentNames := h.agents.Names()
	isAgent := make(map[string]bool, len(agentNames))
	for _, name := range agentNames {
		isAgent[name] = true
	}

	descriptors := h.tools.Descriptors()
	resp := CatalogResponse{
		Tools:  make([]ToolResponse, 0, len(descriptors)),
		Agents: agentNames,
	}
	for _, d := range descriptors {
		resp.Tools = append(resp.Tools, ToolResponse{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
			Agent:       isAgent[d.Name],
		})
	}

	h.logger.Debug("catalog requested", "tools", len(resp.Tools), "agents", len(agentNames))
	httputil.RespondJSON(w, http.StatusOK, resp)
}
