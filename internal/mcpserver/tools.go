// Package mcpserver registers MCP tools that expose record operations.
// Every record tool carries an optional secret argument; the privilege
// decision is resolved per call and never cached between calls.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/recallhq/recall/internal/access"
	"github.com/recallhq/recall/internal/auth"
	"github.com/recallhq/recall/internal/records"
)

//go:generate mockgen -source=tools.go -destination=mock_records_test.go -package=mcpserver

// RecordStore abstracts the record store so tool handlers can be tested
// without a real database. *records.Store satisfies this interface.
type RecordStore interface {
	Save(ctx context.Context, d access.Decision, rec *records.Record) error
	Get(ctx context.Context, d access.Decision, id string) (*records.Record, error)
	Search(ctx context.Context, d access.Decision, query string, limit int) ([]*records.Record, error)
	Forget(ctx context.Context, d access.Decision, id string) (bool, error)
}

// RegisterTools adds all record tools to the given MCP server.
func RegisterTools(server *mcp.Server, gw *auth.Gateway, store RecordStore) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "recall_save",
		Description: "Save a personal record. Accepts content, optional tags, an optional scope name, and an optional restricted flag. Pass the secret for the privilege tier that may write the record.",
	}, saveHandler(gw, store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "recall_search",
		Description: "Search stored records by content. Case-insensitive substring match, newest first. Only records visible at the caller's privilege tier are returned.",
	}, searchHandler(gw, store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "recall_get",
		Description: "Fetch a single record by id. Records outside the caller's privilege tier are reported as not found.",
	}, getHandler(gw, store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "recall_forget",
		Description: "Permanently delete a record by id. Only records the caller could read may be forgotten.",
	}, forgetHandler(gw, store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "recall_time",
		Description: "Current server time. Requires no secret.",
	}, timeHandler())
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.
// The secret field is consumed for privilege resolution and never echoed back.

// SaveInput holds parameters for recall_save.
type SaveInput struct {
	Content    string   `json:"content" jsonschema:"required,record content"`
	Tags       []string `json:"tags,omitempty" jsonschema:"optional tags for the record"`
	Scope      string   `json:"scope,omitempty" jsonschema:"scope name, empty for unscoped"`
	Restricted bool     `json:"restricted,omitempty" jsonschema:"restrict the record to the guardian tier"`
	Secret     string   `json:"secret,omitempty" jsonschema:"access secret, omit for public access"`
}

// SearchInput holds parameters for recall_search.
type SearchInput struct {
	Query      string `json:"query" jsonschema:"required,search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"maximum number of results, defaults to 20"`
	Secret     string `json:"secret,omitempty" jsonschema:"access secret, omit for public access"`
}

// GetInput holds parameters for recall_get.
type GetInput struct {
	ID     string `json:"id" jsonschema:"required,record id"`
	Secret string `json:"secret,omitempty" jsonschema:"access secret, omit for public access"`
}

// ForgetInput holds parameters for recall_forget.
type ForgetInput struct {
	ID     string `json:"id" jsonschema:"required,record id"`
	Secret string `json:"secret,omitempty" jsonschema:"access secret, omit for public access"`
}

// TimeInput has no parameters.
type TimeInput struct{}

// --- Result types ---

// SaveResult reports the stored record's identity.
type SaveResult struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult holds matching records.
type SearchResult struct {
	Results []*records.Record `json:"results"`
	Total   int               `json:"total"`
}

// GetResult wraps a single record lookup. Found is false both for ids
// that do not exist and for records outside the caller's tier.
type GetResult struct {
	Record *records.Record `json:"record,omitempty"`
	Found  bool            `json:"found"`
}

// ForgetResult reports whether a record was deleted.
type ForgetResult struct {
	ID        string `json:"id"`
	Forgotten bool   `json:"forgotten"`
}

// TimeResult is the current server time in several renderings.
type TimeResult struct {
	RFC3339  string `json:"rfc3339"`
	Unix     int64  `json:"unix"`
	Timezone string `json:"timezone"`
}

// --- Handlers ---

func saveHandler(gw *auth.Gateway, store RecordStore) mcp.ToolHandlerFor[SaveInput, *SaveResult] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SaveInput) (*mcp.CallToolResult, *SaveResult, error) {
		d := gw.Decide(req.Params.Arguments)
		rec := &records.Record{
			Content:    input.Content,
			Tags:       input.Tags,
			Scope:      input.Scope,
			Restricted: input.Restricted,
		}
		if err := store.Save(ctx, d, rec); err != nil {
			return nil, nil, err
		}
		result := &SaveResult{ID: rec.ID, CreatedAt: rec.CreatedAt}
		return textResult(result), result, nil
	}
}

func searchHandler(gw *auth.Gateway, store RecordStore) mcp.ToolHandlerFor[SearchInput, *SearchResult] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, *SearchResult, error) {
		d := gw.Decide(req.Params.Arguments)
		matches, err := store.Search(ctx, d, input.Query, input.MaxResults)
		if err != nil {
			return nil, nil, err
		}
		if matches == nil {
			matches = []*records.Record{}
		}
		result := &SearchResult{Results: matches, Total: len(matches)}
		return textResult(result), result, nil
	}
}

func getHandler(gw *auth.Gateway, store RecordStore) mcp.ToolHandlerFor[GetInput, *GetResult] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input GetInput) (*mcp.CallToolResult, *GetResult, error) {
		d := gw.Decide(req.Params.Arguments)
		rec, err := store.Get(ctx, d, input.ID)
		if err != nil {
			return nil, nil, err
		}
		result := &GetResult{Record: rec, Found: rec != nil}
		return textResult(result), result, nil
	}
}

func forgetHandler(gw *auth.Gateway, store RecordStore) mcp.ToolHandlerFor[ForgetInput, *ForgetResult] {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ForgetInput) (*mcp.CallToolResult, *ForgetResult, error) {
		d := gw.Decide(req.Params.Arguments)
		forgotten, err := store.Forget(ctx, d, input.ID)
		if err != nil {
			return nil, nil, err
		}
		result := &ForgetResult{ID: input.ID, Forgotten: forgotten}
		return textResult(result), result, nil
	}
}

func timeHandler() mcp.ToolHandlerFor[TimeInput, *TimeResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ TimeInput) (*mcp.CallToolResult, *TimeResult, error) {
		now := time.Now()
		result := &TimeResult{
			RFC3339:  now.Format(time.RFC3339),
			Unix:     now.Unix(),
			Timezone: now.Location().String(),
		}
		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
