// Package mcpserver registers MCP tools that expose the sync service's
// control surface: status, manual sync, and backup management.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alexjbarnes/chatsync/internal/chatsync"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Controller is the part of the sync service the tools drive.
// *chatsync.Service implements it.
type Controller interface {
	Status() chatsync.StatusReport
	SyncNow(ctx context.Context) error
	BackupNow(ctx context.Context, name string) (chatsync.Backup, error)
	ListBackups(ctx context.Context) ([]chatsync.Backup, error)
	RestoreBackup(ctx context.Context, key string) (chatsync.RestoreResult, error)
}

// RegisterTools adds all sync tools to the given MCP server.
func RegisterTools(server *mcp.Server, c Controller) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Report the sync indicator (disabled, in-sync, syncing, out-of-sync, error), the mode, queued operations and metadata counts.",
	}, statusHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Run a local check followed by a pull and a push against the bucket and wait for them to finish. Only available in sync mode.",
	}, syncNowHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "backup_now",
		Description: "Create a named snapshot of every chat and setting in the bucket. Names may not contain slashes.",
	}, backupNowHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_backups",
		Description: "List daily and named backups in the bucket, newest first.",
	}, listBackupsHandler(c))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "restore_backup",
		Description: "Restore a backup by key, overwriting local chats and settings it contains. In sync mode the restored data is pushed afterwards.",
	}, restoreHandler(c))
}

// --- Input types ---

// StatusInput has no parameters.
type StatusInput struct{}

// SyncNowInput has no parameters.
type SyncNowInput struct{}

// BackupNowInput holds parameters for backup_now.
type BackupNowInput struct {
	Name string `json:"name" jsonschema:"backup name, used in the object key"`
}

// ListBackupsInput has no parameters.
type ListBackupsInput struct{}

// RestoreInput holds parameters for restore_backup.
type RestoreInput struct {
	Key string `json:"key" jsonschema:"backup object key as returned by list_backups"`
}

// --- Output types ---

// StatusOutput is the sync_status result.
type StatusOutput struct {
	Status       string   `json:"status"`
	Mode         string   `json:"mode"`
	Pending      []string `json:"pending,omitempty"`
	LastSync     string   `json:"last_sync,omitempty"`
	LastError    string   `json:"last_error,omitempty"`
	Chats        int      `json:"chats"`
	Tombstones   int      `json:"tombstones"`
	Settings     int      `json:"settings"`
	LastSyncTime int64    `json:"last_sync_time"`
}

// SyncNowOutput is the sync_now result.
type SyncNowOutput struct {
	Status StatusOutput `json:"status"`
}

// BackupInfo describes one backup archive.
type BackupInfo struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Daily     bool   `json:"daily"`
	Legacy    bool   `json:"legacy,omitempty"`
	Size      int64  `json:"size"`
	CreatedAt string `json:"created_at"`
}

// ListBackupsOutput is the list_backups result.
type ListBackupsOutput struct {
	Total   int          `json:"total"`
	Backups []BackupInfo `json:"backups"`
}

// RestoreOutput is the restore_backup result.
type RestoreOutput struct {
	Key      string `json:"key"`
	Chats    int    `json:"chats"`
	Settings int    `json:"settings"`
}

// --- Handlers ---

func statusHandler(c Controller) mcp.ToolHandlerFor[StatusInput, *StatusOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusOutput, error) {
		result := statusOutput(c.Status())
		return textResult(result), result, nil
	}
}

func syncNowHandler(c Controller) mcp.ToolHandlerFor[SyncNowInput, *SyncNowOutput] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SyncNowInput) (*mcp.CallToolResult, *SyncNowOutput, error) {
		if err := c.SyncNow(ctx); err != nil {
			return nil, nil, err
		}

		result := &SyncNowOutput{Status: *statusOutput(c.Status())}

		return textResult(result), result, nil
	}
}

func backupNowHandler(c Controller) mcp.ToolHandlerFor[BackupNowInput, *BackupInfo] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input BackupNowInput) (*mcp.CallToolResult, *BackupInfo, error) {
		bk, err := c.BackupNow(ctx, input.Name)
		if err != nil {
			return nil, nil, err
		}

		result := backupInfo(bk)

		return textResult(result), &result, nil
	}
}

func listBackupsHandler(c Controller) mcp.ToolHandlerFor[ListBackupsInput, *ListBackupsOutput] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ListBackupsInput) (*mcp.CallToolResult, *ListBackupsOutput, error) {
		backups, err := c.ListBackups(ctx)
		if err != nil {
			return nil, nil, err
		}

		result := &ListBackupsOutput{Total: len(backups), Backups: make([]BackupInfo, 0, len(backups))}
		for _, bk := range backups {
			result.Backups = append(result.Backups, backupInfo(bk))
		}

		return textResult(result), result, nil
	}
}

func restoreHandler(c Controller) mcp.ToolHandlerFor[RestoreInput, *RestoreOutput] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RestoreInput) (*mcp.CallToolResult, *RestoreOutput, error) {
		if input.Key == "" {
			return nil, nil, errors.New("key is required")
		}

		res, err := c.RestoreBackup(ctx, input.Key)
		if err != nil {
			return nil, nil, err
		}

		result := &RestoreOutput{Key: input.Key, Chats: res.Chats, Settings: res.Settings}

		return textResult(result), result, nil
	}
}

func statusOutput(r chatsync.StatusReport) *StatusOutput {
	out := &StatusOutput{
		Status:       string(r.Status),
		Mode:         string(r.Mode),
		Pending:      r.Pending,
		LastError:    r.LastError,
		Chats:        r.Chats,
		Tombstones:   r.Tombstones,
		Settings:     r.Settings,
		LastSyncTime: r.LastSyncTime,
	}

	if !r.LastSync.IsZero() {
		out.LastSync = r.LastSync.UTC().Format(time.RFC3339)
	}

	return out
}

func backupInfo(bk chatsync.Backup) BackupInfo {
	return BackupInfo{
		Key:       bk.Key,
		Name:      bk.Name,
		Daily:     bk.Daily,
		Legacy:    bk.Legacy,
		Size:      bk.Size,
		CreatedAt: bk.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
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
