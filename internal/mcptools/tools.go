// Package mcptools exposes annotation file reads and writes as MCP tools.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/flatironinstitute/neurosift-annotations/internal/annotations"
)

// AnnotationFiles is the part of the syncer the tools need.
type AnnotationFiles interface {
	Read(ctx context.Context, req annotations.ReadRequest) (annotations.ReadResult, error)
	Write(ctx context.Context, req annotations.WriteRequest) (annotations.WriteResult, error)
}

type Options struct {
	// Credential is used for every call; tool arguments never carry tokens.
	Credential          annotations.Credential
	DefaultRepo         string
	DefaultInstanceName string
}

// Register adds the annotation tools to the MCP server.
func Register(s *server.MCPServer, files AnnotationFiles, opts Options) {
	t := &tools{files: files, opts: opts}
	if t.opts.DefaultInstanceName == "" {
		t.opts.DefaultInstanceName = "dandi"
	}
	s.AddTool(resolvePathTool(), t.resolvePath)
	s.AddTool(getTool(), t.get)
	s.AddTool(setTool(), t.set)
}

type tools struct {
	files AnnotationFiles
	opts  Options
}

func assetOptions(extra ...mcp.ToolOption) []mcp.ToolOption {
	opts := []mcp.ToolOption{
		mcp.WithString("dandi_instance_name",
			mcp.Description("DANDI archive instance, e.g. dandi or dandi-staging. Defaults to dandi."),
		),
		mcp.WithString("dandiset_id",
			mcp.Description("Dandiset identifier, e.g. 000409"),
			mcp.Required(),
		),
		mcp.WithString("asset_path",
			mcp.Description("Asset path inside the dandiset, e.g. sub-1/sub-1_ecephys.nwb"),
			mcp.Required(),
		),
		mcp.WithString("asset_id",
			mcp.Description("Asset UUID"),
			mcp.Required(),
		),
	}
	return append(opts, extra...)
}

func repoOption() mcp.ToolOption {
	return mcp.WithString("repo",
		mcp.Description("GitHub repository as owner/name. Omit to use the configured default."),
	)
}

// --- resolve_annotation_path ---

func resolvePathTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Return the repository path of the annotations.jsonl file for a DANDI asset."),
	}, assetOptions()...)
	return mcp.NewTool("resolve_annotation_path", opts...)
}

func (t *tools) resolvePath(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	asset := t.asset(req)
	if err := asset.Validate(); err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText(asset.Path()), nil
}

// --- get_nwb_file_annotations ---

func getTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Read the annotation items stored for a DANDI asset. Returns a JSON array of string maps; an asset with no file returns []."),
	}, assetOptions(repoOption())...)
	return mcp.NewTool("get_nwb_file_annotations", opts...)
}

func (t *tools) get(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, err := t.repo(req)
	if err != nil {
		return toolError(err)
	}
	result, err := t.files.Read(ctx, annotations.ReadRequest{
		Repo:       repo,
		Asset:      t.asset(req),
		Credential: t.opts.Credential,
	})
	if err != nil {
		return toolError(err)
	}
	return jsonResult(result.Items)
}

// --- set_nwb_file_annotations ---

func setTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Replace every annotation item for a DANDI asset with the given list and commit it to the repository."),
	}, assetOptions(
		repoOption(),
		mcp.WithArray("annotations",
			mcp.Description("Complete list of annotation items. Each item is an object whose values are strings."),
			mcp.Required(),
			mcp.Items(map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			}),
		),
		mcp.WithString("message",
			mcp.Description("Commit message. Omit for the default."),
		),
	)...)
	return mcp.NewTool("set_nwb_file_annotations", opts...)
}

func (t *tools) set(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, err := t.repo(req)
	if err != nil {
		return toolError(err)
	}
	raw, ok := req.GetArguments()["annotations"]
	if !ok {
		return toolError(fmt.Errorf("annotations is required"))
	}
	items, err := decodeItems(raw)
	if err != nil {
		return toolError(err)
	}
	result, err := t.files.Write(ctx, annotations.WriteRequest{
		Repo:       repo,
		Asset:      t.asset(req),
		Items:      items,
		Credential: t.opts.Credential,
		Message:    req.GetString("message", ""),
	})
	if err != nil {
		return toolError(err)
	}
	return jsonResult(result)
}

func (t *tools) asset(req mcp.CallToolRequest) annotations.AssetKey {
	instance := strings.TrimSpace(req.GetString("dandi_instance_name", ""))
	if instance == "" {
		instance = t.opts.DefaultInstanceName
	}
	return annotations.AssetKey{
		InstanceName: instance,
		DandisetID:   req.GetString("dandiset_id", ""),
		AssetPath:    req.GetString("asset_path", ""),
		AssetID:      req.GetString("asset_id", ""),
	}
}

func (t *tools) repo(req mcp.CallToolRequest) (annotations.RepoRef, error) {
	raw := strings.TrimSpace(req.GetString("repo", ""))
	if raw == "" {
		raw = t.opts.DefaultRepo
	}
	if raw == "" {
		return annotations.RepoRef{}, fmt.Errorf("%w: repo is required", annotations.ErrInvalidInput)
	}
	return annotations.ParseRepo(raw)
}

// decodeItems round-trips the loosely typed argument through JSON so that
// non-string values are rejected the same way the HTTP API rejects them.
func decodeItems(raw any) (annotations.AnnotationSet, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var items annotations.AnnotationSet
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("%w: annotations must be a list of objects with string values", annotations.ErrInvalidInput)
	}
	if items == nil {
		items = annotations.AnnotationSet{}
	}
	return items, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

func toolError(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}
