package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/evanfang0054/knowledge-base-mcp/engine/core"
	"github.com/evanfang0054/knowledge-base-mcp/engine/knowledge"
	"github.com/evanfang0054/knowledge-base-mcp/pkg/logger"
	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpsrv "github.com/mark3labs/mcp-go/server"
)

const (
	ResolveKnowledgeIDsName = "resolve-knowledge-ids"
	GetKnowledgeDocsName    = "get-knowledge-docs"

	separator = "----------"
)

// RepositoryProvider hands out the live repository. *knowledge.Registry satisfies it.
type RepositoryProvider interface {
	Repository() (*knowledge.Repository, error)
}

// Handlers renders knowledge lookups as plain text for the calling model.
type Handlers struct {
	repos    RepositoryProvider
	validate *validator.Validate
}

func NewHandlers(repos RepositoryProvider) *Handlers {
	validate := validator.New(validator.WithRequiredStructEnabled())
	// blank ids would be dropped later and surface as a different error
	if err := validate.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	return &Handlers{repos: repos, validate: validate}
}

// All returns every tool ready to register on an MCP server.
func (h *Handlers) All() []mcpsrv.ServerTool {
	return []mcpsrv.ServerTool{
		h.resolveKnowledgeIDsTool(),
		h.getKnowledgeDocsTool(),
	}
}

// bind decodes and validates tool arguments, mapping failures to VALIDATION_ERROR.
func (h *Handlers) bind(req mcplib.CallToolRequest, params any) error {
	if err := req.BindArguments(params); err != nil {
		return core.WrapError(core.CodeValidation, "invalid tool arguments", err)
	}
	if err := h.validate.Struct(params); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return core.NewError(core.CodeValidation,
				fmt.Sprintf("parameter %q failed %q validation", fe.Field(), fe.Tag()),
				map[string]any{"field": fe.Field(), "rule": fe.Tag()})
		}
		return core.WrapError(core.CodeValidation, "invalid tool arguments", err)
	}
	return nil
}

func resultText(text string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(text)
}

// resultErr renders err in the uniform {code, message, details} shape.
func resultErr(ctx context.Context, tool string, err error) *mcplib.CallToolResult {
	coreErr := core.AsError(err)
	logger.FromContext(ctx).Warn("Tool call rejected", "tool", tool, "code", coreErr.Code, "error", err)
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.NewTextContent(fmt.Sprintf("%s: %s", coreErr.Code, coreErr.Message)),
		},
		StructuredContent: map[string]any{
			"code":    coreErr.Code,
			"message": coreErr.Message,
			"details": coreErr.Details,
		},
		IsError: true,
	}
}
