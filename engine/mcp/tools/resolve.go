package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/evanfang0054/knowledge-base-mcp/engine/dify"
	"github.com/evanfang0054/knowledge-base-mcp/pkg/logger"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpsrv "github.com/mark3labs/mcp-go/server"
)

const defaultResolveLimit = 10

type ResolveKnowledgeIDsParams struct {
	Query string `json:"query"`
	Limit *int   `json:"limit" validate:"omitempty,gte=1"`
}

func (h *Handlers) resolveKnowledgeIDsTool() mcpsrv.ServerTool {
	tool := mcplib.NewTool(ResolveKnowledgeIDsName,
		mcplib.WithTitleAnnotation("Resolve knowledge base IDs"),
		mcplib.WithDescription(`List the available knowledge bases and their IDs.

You MUST call this tool before 'get-knowledge-docs' to obtain valid knowledge base IDs,
unless the user explicitly supplied the IDs in the query.

Selection process:
1. Analyze the query to understand which knowledge base the user is looking for
2. Pick the most relevant matches based on:
- Similarity of the name to the query (exact matches first)
- Relevance of the description to the query intent
- Document coverage (prefer knowledge bases with more documents)

Response format:
- Return the selected knowledge base IDs in a clearly marked section
- Briefly explain why each knowledge base was chosen
- If several good matches exist, say so but continue with the most relevant ones
- If no good match exists, say so and suggest how to refine the query`),
		mcplib.WithString("query",
			mcplib.Description("Keywords describing the knowledge the user is looking for."),
		),
		mcplib.WithNumber("limit",
			mcplib.Description("Maximum number of knowledge bases to return."),
			mcplib.DefaultNumber(defaultResolveLimit),
			mcplib.Min(1),
		),
		mcplib.WithReadOnlyHintAnnotation(true),
	)
	return mcpsrv.ServerTool{Tool: tool, Handler: h.ResolveKnowledgeIDs}
}

// ResolveKnowledgeIDs lists every knowledge base, truncated to limit. Ranking is
// left to the calling model.
func (h *Handlers) ResolveKnowledgeIDs(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var params ResolveKnowledgeIDsParams
	if err := h.bind(req, &params); err != nil {
		return resultErr(ctx, ResolveKnowledgeIDsName, err), nil
	}
	limit := defaultResolveLimit
	if params.Limit != nil {
		limit = *params.Limit
	}
	repo, err := h.repos.Repository()
	if err != nil {
		return resultErr(ctx, ResolveKnowledgeIDsName, err), nil
	}
	datasets, err := repo.GetKnowledgeBases(ctx, "")
	if err != nil {
		return resultErr(ctx, ResolveKnowledgeIDsName, err), nil
	}
	if len(datasets) > limit {
		datasets = datasets[:limit]
	}
	logger.FromContext(ctx).Debug("Resolved knowledge bases", "query", params.Query, "count", len(datasets))
	return resultText(formatDatasets(datasets)), nil
}

func formatDatasets(datasets []dify.Dataset) string {
	var b strings.Builder
	b.WriteString("Available knowledge bases (top matches):\n\n")
	b.WriteString("Each result includes:\n")
	b.WriteString("- Knowledge base ID: identifier accepted by get-knowledge-docs\n")
	b.WriteString("- Title: knowledge base name\n")
	b.WriteString("- Description: short summary\n")
	b.WriteString("- Document count: number of available documents\n")
	b.WriteString("- Word count: size of the content\n\n")
	b.WriteString("For best results, choose knowledge bases by name match, word count, " +
		"document coverage and relevance to your use case.\n\n")
	b.WriteString(separator + "\n\n")
	for i, ds := range datasets {
		b.WriteString("- Title: " + ds.Name + "\n")
		b.WriteString("- Knowledge base ID: " + ds.ID + "\n")
		b.WriteString("- Description: " + ds.Description + "\n")
		fmt.Fprintf(&b, "- Document count: %d\n", ds.DocumentCount)
		fmt.Fprintf(&b, "- Word count: %d\n", ds.WordCount)
		if i < len(datasets)-1 {
			b.WriteString(separator + "\n")
		}
	}
	return b.String()
}
