package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	merrors "github.com/hrygo/agentmemory/internal/errors"
	"github.com/hrygo/agentmemory/internal/observability"
	"github.com/hrygo/agentmemory/store"
)

// CommandResult is the outcome of ExecuteCommand.
type CommandResult struct {
	CommandType string `json:"command_type"`
	Result      any    `json:"result,omitempty"`
	DryRun      bool   `json:"dry_run,omitempty"`
	// LogID is the protocol log written for the command, if any.
	LogID string `json:"log_id,omitempty"`
}

// ExecuteCommand runs a protocol command through the Executor. When the
// command belongs to a conversation, a protocol log records the request and
// its outcome. Dry runs are never logged.
func (s *Service) ExecuteCommand(ctx context.Context, caller, conversationID, command string, params map[string]any, dryRun bool) (*CommandResult, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if strings.TrimSpace(command) == "" {
		return nil, merrors.Validation("command is required")
	}
	if s.executor == nil {
		return nil, merrors.Validation("no command executor configured")
	}
	if conversationID != "" {
		if _, err := s.GetConversation(ctx, caller, conversationID); err != nil {
			return nil, err
		}
	}

	reqCtx := observability.NewRequestContext(s.logger, "kip.execute", caller).WithConversation(conversationID)
	output, execErr := s.executor.Execute(observability.WithRequestContext(ctx, reqCtx), &Command{
		CreatorID:      caller,
		ConversationID: conversationID,
		Command:        command,
		Parameters:     params,
		DryRun:         dryRun,
	})

	result := &CommandResult{CommandType: store.CommandTypeMeta, DryRun: dryRun}
	if output != nil {
		if output.CommandType != "" {
			result.CommandType = output.CommandType
		}
		result.Result = output.Result
	}
	if execErr != nil {
		// Executor failures without a taxonomy code are command errors.
		if merrors.CodeOf(execErr, "") == "" {
			execErr = merrors.Validation("%s", execErr.Error())
		}
		reqCtx.Warn("command failed",
			slog.String(observability.LogFieldErrorCode, string(merrors.CodeOf(execErr, merrors.CodeValidation))),
			slog.String("error", execErr.Error()))
	}

	if !dryRun && conversationID != "" {
		entry, err := s.logCommand(ctx, caller, conversationID, command, params, result, execErr, reqCtx.DurationMs())
		if err != nil {
			reqCtx.Error("failed to append protocol log", err)
		} else {
			result.LogID = entry.ID
		}
	}
	if execErr != nil {
		return nil, execErr
	}
	reqCtx.Debug("command executed",
		slog.String(observability.LogFieldCommandType, result.CommandType),
		slog.Bool(observability.LogFieldDryRun, dryRun),
		slog.Int64(observability.LogFieldDuration, reqCtx.DurationMs()))
	return result, nil
}

func (s *Service) logCommand(ctx context.Context, caller, conversationID, command string, params map[string]any, result *CommandResult, execErr error, durationMs int64) (*store.ProtocolLog, error) {
	request, err := json.Marshal(map[string]any{"command": command, "parameters": params})
	if err != nil {
		return nil, merrors.Validation("command parameters are not serializable: %v", err)
	}
	entry := &store.ProtocolLog{
		CreatorID:      caller,
		ConversationID: conversationID,
		CommandType:    result.CommandType,
		Request:        request,
		DurationMs:     durationMs,
	}
	if execErr != nil {
		entry.Error = execErr.Error()
	} else if entry.Response, err = json.Marshal(result.Result); err != nil {
		return nil, merrors.Validation("command result is not serializable: %v", err)
	}
	return s.store.AppendProtocolLog(ctx, entry)
}
