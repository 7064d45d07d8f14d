package memory

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"

	merrors "github.com/hrygo/agentmemory/internal/errors"
	"github.com/hrygo/agentmemory/internal/observability"
	"github.com/hrygo/agentmemory/store"
)

// Request command types accepted by Dispatch.
const (
	CommandConversationCreate = "conversation.create"
	CommandConversationGet    = "conversation.get"
	CommandConversationUpdate = "conversation.update"
	CommandConversationList   = "conversation.list"
	CommandConversationSearch = "conversation.search"
	CommandConversationDelete = "conversation.delete"
	CommandConversationStop   = "conversation.stop"
	CommandResourcePut        = "resource.put"
	CommandResourceGet        = "resource.get"
	CommandResourceFetch      = "resource.fetch"
	CommandResourceDelete     = "resource.delete"
	CommandLogAppend          = "log.append"
	CommandLogList            = "log.list"
	CommandKIPExecute         = "kip.execute"
	CommandSystemDescribe     = "system.describe"
)

// Request is a structured request from the command-protocol layer.
type Request struct {
	CommandType  string         `json:"command_type"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Conversation string         `json:"conversation,omitempty"`
	DryRun       bool           `json:"dry_run,omitempty"`
}

// Result carries either a payload or an error.
type Result struct {
	Result any        `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// DryRunResult is the payload of a successful dry run.
type DryRunResult struct {
	DryRun bool `json:"dry_run"`
	Valid  bool `json:"valid"`
}

type handler func(s *Service, ctx context.Context, caller string, req *Request) (any, error)

var handlers = map[string]handler{
	CommandConversationCreate: (*Service).handleConversationCreate,
	CommandConversationGet:    (*Service).handleConversationGet,
	CommandConversationUpdate: (*Service).handleConversationUpdate,
	CommandConversationList:   (*Service).handleConversationList,
	CommandConversationSearch: (*Service).handleConversationSearch,
	CommandConversationDelete: (*Service).handleConversationDelete,
	CommandConversationStop:   (*Service).handleConversationStop,
	CommandResourcePut:        (*Service).handleResourcePut,
	CommandResourceGet:        (*Service).handleResourceGet,
	CommandResourceFetch:      (*Service).handleResourceFetch,
	CommandResourceDelete:     (*Service).handleResourceDelete,
	CommandLogAppend:          (*Service).handleLogAppend,
	CommandLogList:            (*Service).handleLogList,
	CommandKIPExecute:         (*Service).handleKIPExecute,
	CommandSystemDescribe:     (*Service).handleSystemDescribe,
}

// Dispatch runs one structured request for caller. It never returns a nil
// Result; failures are reported in Result.Error. A dry run checks arguments,
// ownership and references and writes nothing.
func (s *Service) Dispatch(ctx context.Context, caller string, req *Request) *Result {
	if req == nil {
		return errorResult(merrors.Validation("request is required"))
	}
	reqCtx := observability.NewRequestContext(s.logger, req.CommandType, caller).WithConversation(req.Conversation)
	ctx = observability.WithRequestContext(ctx, reqCtx)

	payload, err := s.dispatch(ctx, caller, req)
	if err != nil {
		reqCtx.Warn("request failed",
			slog.String(observability.LogFieldErrorCode, string(merrors.CodeOf(err, merrors.CodeStorage))),
			slog.Bool(observability.LogFieldDryRun, req.DryRun),
			slog.Int64(observability.LogFieldDuration, reqCtx.DurationMs()),
			slog.String("error", err.Error()))
		return errorResult(err)
	}
	reqCtx.Info("request completed",
		slog.Bool(observability.LogFieldDryRun, req.DryRun),
		slog.Int64(observability.LogFieldDuration, reqCtx.DurationMs()))
	// The executor reports its own dry-run outcome.
	if req.DryRun && req.CommandType != CommandKIPExecute {
		return &Result{Result: &DryRunResult{DryRun: true, Valid: true}}
	}
	return &Result{Result: payload}
}

func (s *Service) dispatch(ctx context.Context, caller string, req *Request) (any, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	handle, ok := handlers[req.CommandType]
	if !ok {
		return nil, merrors.Validation("unknown command type %q", req.CommandType)
	}
	return handle(s, ctx, caller, req)
}

func errorResult(err error) *Result {
	body := &ErrorBody{
		Kind:    string(merrors.CodeOf(err, merrors.CodeStorage)),
		Message: merrors.MessageOf(err),
	}
	var typed *merrors.Error
	if errors.As(err, &typed) && len(typed.Context) > 0 {
		body.Context = typed.Context
	}
	return &Result{Error: body}
}

// decodeParams converts the loosely typed parameter map into target.
func decodeParams(params map[string]any, target any) error {
	if len(params) == 0 {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return merrors.Validation("parameters are not serializable: %v", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return merrors.Validation("invalid parameters: %v", err)
	}
	return nil
}

type idParams struct {
	ID string `json:"id"`
}

// conversationID falls back to the request's conversation context.
func (p *idParams) conversationID(req *Request) string {
	if p.ID != "" {
		return p.ID
	}
	return req.Conversation
}

type createConversationParams struct {
	ID          string           `json:"id"`
	Thread      string           `json:"thread"`
	Title       string           `json:"title"`
	Messages    []store.Message  `json:"messages"`
	Attachments []string         `json:"attachments"`
	Artifacts   []string         `json:"artifacts"`
	Usage       map[string]int64 `json:"usage"`
}

func (s *Service) handleConversationCreate(ctx context.Context, caller string, req *Request) (any, error) {
	var params createConversationParams
	if err := decodeParams(req.Parameters, &params); err != nil {
		return nil, err
	}
	create := &store.Conversation{
		ID:          params.ID,
		CreatorID:   caller,
		Thread:      params.Thread,
		Title:       params.Title,
		Messages:    params.Messages,
		Attachments: params.Attachments,
		Artifacts:   params.Artifacts,
		Usage:       params.Usage,
	}
	if req.DryRun {
		if err := s.checkOwnedResources(ctx, caller, create.Attachments, create.Artifacts); err != nil {
			return nil, err
		}
		return nil, s.store.ValidateCreateConversation(ctx, create)
	}
	conversation, err := s.CreateConversation(ctx, caller, create)
	if err != nil {
		return nil, err
	}
	return NewConversationView(conversation), nil
}

func (s *Service) handleConversationGet(ctx context.Context, caller string, req *Request) (any, error) {
	var params idParams
	if err := decodeParams(req.Parameters, &params); err != nil {
		return nil, err
	}
	conversation, err := s.GetConversation(ctx, caller, params.conversationID(req))
	if err != nil {
		return nil, err
	}
	return NewConversationView(conversation), nil
}

type updateConversationParams struct {
	ID              string           `json:"id"`
	Status          *string          `json:"status"`
	Title           *string          `json:"title"`
	Messages        []store.Message  `json:"messages"`
	Attachments     []string         `json:"attachments"`
	Artifacts       []string         `json:"artifacts"`
	UsageDelta      map[string]int64 `json:"usage_delta"`
	ExpectedVersion *int64           `json:"expected_version"`
}

func (s *Service) handleConversationUpdate(ctx context.Context, caller string, req *Request) (any, error) {
	var params updateConversationParams
	if err := decodeParams(req.Parameters, &params); err != nil {
		return nil, err
	}
	id := (&idParams{ID: params.ID}).conversationID(req)
	update := &store.UpdateConversation{
		ID:              id,
		Title:           params.Title,
		AppendMessages:  params.Messages,
		AddAttachments:  params.Attachments,
		AddArtifacts:    params.Artifacts,
		UsageDelta:      params.UsageDelta,
		ExpectedVersion: params.ExpectedVersion,
	}
	if params.Status != nil {
		status, err := store.ParseStatus(*params.Status)
		if err != nil {
			return nil, err
		}
		update.Status = &status
	}
	if req.DryRun {
		if _, err := s.GetConversation(ctx, caller, id); err != nil {
			return nil, err
		}
		if err := s.checkOwnedResources(ctx, caller, update.AddAttachments, update.AddArtifacts); err != nil {
			return nil, err
		}
		return nil, s.store.ValidateUpdateConversation(ctx, update)
	}
	conversation, err := s.UpdateConversation(ctx, caller, update)
	if err != nil {
		return nil, err
	}
	return NewConversationView(conversation), nil
}

type listConversationParams struct {
	Thread     string `json:"thread"`
	Status     string `json:"status"`
	PeriodFrom *int64 `json:"period_from"`
	PeriodTo   *int64 `json:"period_to"`
	PageSize   int    `json:"page_size"`
	PageToken  string `json:"page_token"`
}

func (s *Service) handleConversationList(ctx context.Context, caller string, req *Request) (any, error) {
	var params listConversationParams
	if err := decodeParams(req.Parameters, &params); err != nil {
		return nil, err
	}
	find := &store.FindConversation{
		PeriodFrom: params.PeriodFrom,
		PeriodTo:   params.PeriodTo,
		PageSize:   params.PageSize,
		PageToken:  params.PageToken,
	}
	if params.Thread != "" {
		find.Thread = &params.Thread
	}
	if params.Status != "" {
		status, err := store.ParseStatus(params.Status)
		if err != nil {
			return nil, err
		}
		find.Status = &status
	}
	page, err := s.ListConversations(ctx, caller, find)
	if err != nil {
		return nil, err
	}
	return NewConversationPageView(page), nil
}

type searchParams struct {
	Query     string `json:"query"`
	PageSize  int    `json:"page_size"`
	PageToken string `json:"page_token"`
}

func (s *Service) handleConversationSearch(ctx context.Context, caller string, req *Request) (any, error) {
	var params searchParams
	if err := decodeParams(req.Parameters, &params); err != nil {
		return nil, err
	}
	result, err := s.SearchConversations(ctx, caller, params.Query, params.PageSize, params.PageToken)
	if err != nil {
		return nil, err
	}
	return NewSearchResultView(result), nil
}

func (s *Service) handleConversationDelete(ctx context.Context, caller string, req *Request) (any, error) {
	var params idParams
	if err := decodeParams(req.Parameters, &params); err != nil {
		return nil, err
	}
	id := params.conversationID(req)
	if req.DryRun {
		_, err := s.GetConversation(ctx, caller, id)
		return nil, err
	}
	result, err := s.DeleteConversation(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	return NewCascadeView(result), nil
}

func (s *Service) handleConversationStop(ctx context.Context, caller string, req *Request) (any, error) {
	var params idParams
	if err := decodeParams(req.Parameters, &params); err != nil {
		return nil, err
	}
	id := params.conversationID(req)
	if req.DryRun {
		return nil, s.validateStop(ctx, caller, id)
	}
	conversation, err := s.StopConversation(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	return NewConversationView(conversation), nil
}

type putResourceParams struct {
	Content  string         `json:"content"`
	Encoding string         `json:"encoding"`
	URI      string         `json:"uri"`
	Name     string         `json:"name"`
	MimeType string         `json:"mime_type"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Service) handleResourcePut(ctx context.Context, caller string, req *Request) (any, error) {
	var params putResourceParams
	if err := decodeParams(req.Parameters, &params); err != nil {
		return nil, err
	}
	create := &store.Resource{
		CreatorID: caller,
		URI:       params.URI,
		Name:      params.Name,
		MimeType:  params.MimeType,
		Metadata:  params.Metadata,
	}
	switch params.Encoding {
	case "", EncodingText:
		create.Blob = []byte(params.Content)
	case EncodingBase64:
		blob, err := base64.StdEncoding.DecodeString(params.Content)
		if err != nil {
			return nil, merrors.Validation("content is not valid base64: %v", err)
		}
		create.Blob = blob
	default:
		return nil, merrors.Validation("unknown content encoding %q", params.Encoding)
	}
	if req.DryRun {
		_, err := s.store.ResourceID(create)
		return nil, err
	}
	resource, err := s.PutResource(ctx, caller, create)
	if err != nil {
		return nil, err
	}
	return NewResourceView(resource), nil
}

func (s *Service) handleResourceGet(ctx context.Context, caller string, req *Request) (any, error) {
	var params idParams
	if err := decodeParams(req.Parameters, &params); err != nil {
		return nil, err
	}
	resource, err := s.GetResource(ctx, caller, params.ID)
	if err != nil {
		return nil, err
	}
	return NewResourceView(resource), nil
}

func (s *Service) handleResourceFetch(ctx context.Context, caller string, req *Request) (any, error) {
	var params idParams
	if err := decodeParams(req.Parameters, &params); err != nil {
		return nil, err
	}
	if req.DryRun {
		_, err := s.GetResource(ctx, caller, params.ID)
		return nil, err
	}
	return s.FetchResource(ctx, caller, params.ID)
}

func (s *Service) handleResourceDelete(ctx context.Context, caller string, req *Request) (any, error) {
	var params idParams
	if err := decodeParams(req.Parameters, &params); err != nil {
		return nil, err
	}
	if req.DryRun {
		return nil, s.validateResourceDelete(ctx, caller, params.ID)
	}
	if err := s.DeleteResource(ctx, caller, params.ID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": params.ID}, nil
}

type appendLogParams struct {
	ConversationID string          `json:"conversation_id"`
	CommandType    string          `json:"command_type"`
	Request        json.RawMessage `json:"request"`
	Response       json.RawMessage `json:"response"`
	Error          string          `json:"error"`
	DryRun         bool            `json:"dry_run"`
	DurationMs     int64           `json:"duration_ms"`
}

func (s *Service) handleLogAppend(ctx context.Context, caller string, req *Request) (any, error) {
	var params appendLogParams
	if err := decodeParams(req.Parameters, &params); err != nil {
		return nil, err
	}
	conversationID := (&idParams{ID: params.ConversationID}).conversationID(req)
	if req.DryRun {
		if params.CommandType == "" {
			return nil, merrors.Validation("protocol log command type is required")
		}
		_, err := s.GetConversation(ctx, caller, conversationID)
		return nil, err
	}
	entry, err := s.AppendProtocolLog(ctx, caller, &store.ProtocolLog{
		ConversationID: conversationID,
		CommandType:    params.CommandType,
		Request:        params.Request,
		Response:       params.Response,
		Error:          params.Error,
		DryRun:         params.DryRun,
		DurationMs:     params.DurationMs,
	})
	if err != nil {
		return nil, err
	}
	return NewProtocolLogView(entry), nil
}

type listLogParams struct {
	ConversationID string `json:"conversation_id"`
	PageSize       int    `json:"page_size"`
	PageToken      string `json:"page_token"`
}

func (s *Service) handleLogList(ctx context.Context, caller string, req *Request) (any, error) {
	var params listLogParams
	if err := decodeParams(req.Parameters, &params); err != nil {
		return nil, err
	}
	conversationID := (&idParams{ID: params.ConversationID}).conversationID(req)
	page, err := s.ListProtocolLogs(ctx, caller, conversationID, params.PageSize, params.PageToken)
	if err != nil {
		return nil, err
	}
	return NewProtocolLogPageView(page), nil
}

type executeParams struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters"`
}

func (s *Service) handleKIPExecute(ctx context.Context, caller string, req *Request) (any, error) {
	var params executeParams
	if err := decodeParams(req.Parameters, &params); err != nil {
		return nil, err
	}
	return s.ExecuteCommand(ctx, caller, req.Conversation, params.Command, params.Parameters, req.DryRun)
}

func (s *Service) handleSystemDescribe(_ context.Context, _ string, _ *Request) (any, error) {
	return s.DescribeSystem(), nil
}
