package tools

import (
	"context"
	"strings"

	"github.com/evanfang0054/knowledge-base-mcp/engine/dify"
	"github.com/evanfang0054/knowledge-base-mcp/engine/knowledge"
	"github.com/evanfang0054/knowledge-base-mcp/pkg/logger"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpsrv "github.com/mark3labs/mcp-go/server"
)

const (
	docsTopK = 10

	noDocumentsText = "No matching documents were found, or the documents of this knowledge base " +
		"are not ready yet. This can happen when an invalid knowledge base ID is used. " +
		"To obtain valid IDs, call the 'resolve-knowledge-ids' tool first with keywords " +
		"describing the documents you want to retrieve."
)

type GetKnowledgeDocsParams struct {
	Query      string   `json:"query"      validate:"required"`
	DatasetIDs []string `json:"datasetIds" validate:"required,min=1,dive,notblank"`
}

func (h *Handlers) getKnowledgeDocsTool() mcpsrv.ServerTool {
	tool := mcplib.NewTool(GetKnowledgeDocsName,
		mcplib.WithTitleAnnotation("Get knowledge documents"),
		mcplib.WithDescription(`Retrieve knowledge base documents relevant to a query.

You MUST call 'resolve-knowledge-ids' first to obtain the exact knowledge base IDs this
tool needs, unless the user explicitly provided the IDs in the query.

The tool refuses to run without knowledge base IDs and returns guidance instead.`),
		mcplib.WithString("query",
			mcplib.Description("The question or keywords to search for."),
			mcplib.Required(),
		),
		mcplib.WithArray("datasetIds",
			mcplib.Description("Knowledge base IDs returned by 'resolve-knowledge-ids'."),
			mcplib.WithStringItems(),
			mcplib.MinItems(1),
		),
		mcplib.WithReadOnlyHintAnnotation(true),
	)
	return mcpsrv.ServerTool{Tool: tool, Handler: h.GetKnowledgeDocs}
}

// GetKnowledgeDocs retrieves the top passages across the given datasets and
// joins their contents with a visible separator.
func (h *Handlers) GetKnowledgeDocs(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var params GetKnowledgeDocsParams
	if err := h.bind(req, &params); err != nil {
		return resultErr(ctx, GetKnowledgeDocsName, err), nil
	}
	repo, err := h.repos.Repository()
	if err != nil {
		return resultErr(ctx, GetKnowledgeDocsName, err), nil
	}
	opts := knowledge.DefaultRetrieveOptions(params.DatasetIDs...)
	opts.TopK = docsTopK
	result, err := repo.RetrieveDocuments(ctx, params.Query, opts)
	if err != nil {
		return resultErr(ctx, GetKnowledgeDocsName, err), nil
	}
	logger.FromContext(ctx).Debug("Retrieved knowledge documents",
		"datasets", len(params.DatasetIDs), "records", len(result.Records))
	if len(result.Records) == 0 {
		return resultText(noDocumentsText), nil
	}
	return resultText(formatRecords(result.Records)), nil
}

func formatRecords(records []dify.Record) string {
	parts := make([]string, len(records))
	for i, r := range records {
		parts[i] = r.Segment.Content + "\n\n" + separator
	}
	return strings.Join(parts, "\n\n")
}
