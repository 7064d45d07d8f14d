package tools

import (
	"context"

	"github.com/hrygo/agentmemory/server/service/memory"
	"github.com/hrygo/agentmemory/store"
)

type fetchTool struct {
	svc *memory.Service
}

func (t *fetchTool) Name() string { return "memory_fetch" }

func (t *fetchTool) Description() string {
	return `Returns the content of a stored resource. Text comes back as UTF-8, binary content as base64, and remote resources are downloaded and cached.

INPUT FORMAT:
{"id": "<resource id>"}`
}

func (t *fetchTool) Parameters() Schema {
	return objectSchema(map[string]any{
		"id": property("string", "Resource id."),
	}, "id")
}

func (t *fetchTool) Invoke(ctx context.Context, call *Call) (*Result, error) {
	var args struct {
		ID string `json:"id"`
	}
	if err := decodeArguments(call.Arguments, &args); err != nil {
		return nil, err
	}
	content, err := t.svc.FetchResource(ctx, call.Caller, args.ID)
	if err != nil {
		return nil, err
	}
	return &Result{Output: content}, nil
}

type listTool struct {
	svc *memory.Service
}

func (t *listTool) Name() string { return "conversations_list" }

func (t *listTool) Description() string {
	return `Lists your conversations, most recent first. Filter by thread or status and page with page_token.`
}

func (t *listTool) Parameters() Schema {
	return objectSchema(map[string]any{
		"thread":     property("string", "Only conversations of this thread."),
		"status":     property("string", "SUBMITTED, WORKING, COMPLETED, CANCELED or FAILED."),
		"page_size":  property("integer", "Maximum conversations per page."),
		"page_token": property("string", "Token from a previous page."),
	})
}

func (t *listTool) Invoke(ctx context.Context, call *Call) (*Result, error) {
	var args struct {
		Thread    string `json:"thread"`
		Status    string `json:"status"`
		PageSize  int    `json:"page_size"`
		PageToken string `json:"page_token"`
	}
	if err := decodeArguments(call.Arguments, &args); err != nil {
		return nil, err
	}
	find := &store.FindConversation{PageSize: args.PageSize, PageToken: args.PageToken}
	if args.Thread != "" {
		find.Thread = &args.Thread
	}
	if args.Status != "" {
		status, err := store.ParseStatus(args.Status)
		if err != nil {
			return nil, err
		}
		find.Status = &status
	}
	page, err := t.svc.ListConversations(ctx, call.Caller, find)
	if err != nil {
		return nil, err
	}
	return &Result{Output: memory.NewConversationPageView(page)}, nil
}

type searchTool struct {
	svc *memory.Service
}

func (t *searchTool) Name() string { return "conversations_search" }

func (t *searchTool) Description() string {
	return `Full-text search over your conversations, best match first. Works for CJK text as well.

INPUT FORMAT:
{"query": "search words", "page_size": 10}`
}

func (t *searchTool) Parameters() Schema {
	return objectSchema(map[string]any{
		"query":      property("string", "Search words."),
		"page_size":  property("integer", "Maximum hits per page."),
		"page_token": property("string", "Token from a previous page."),
	}, "query")
}

func (t *searchTool) Invoke(ctx context.Context, call *Call) (*Result, error) {
	var args struct {
		Query     string `json:"query"`
		PageSize  int    `json:"page_size"`
		PageToken string `json:"page_token"`
	}
	if err := decodeArguments(call.Arguments, &args); err != nil {
		return nil, err
	}
	result, err := t.svc.SearchConversations(ctx, call.Caller, args.Query, args.PageSize, args.PageToken)
	if err != nil {
		return nil, err
	}
	return &Result{Output: memory.NewSearchResultView(result)}, nil
}

type stopTool struct {
	svc *memory.Service
}

func (t *stopTool) Name() string { return "conversation_stop" }

func (t *stopTool) Description() string {
	return `Cancels a conversation. Defaults to the current conversation when no id is given.`
}

func (t *stopTool) Parameters() Schema {
	return objectSchema(map[string]any{
		"conversation_id": property("string", "Conversation to cancel."),
	})
}

func (t *stopTool) Invoke(ctx context.Context, call *Call) (*Result, error) {
	var args struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := decodeArguments(call.Arguments, &args); err != nil {
		return nil, err
	}
	if args.ConversationID == "" {
		args.ConversationID = call.Conversation
	}
	conversation, err := t.svc.StopConversation(ctx, call.Caller, args.ConversationID)
	if err != nil {
		return nil, err
	}
	return &Result{Output: memory.NewConversationView(conversation)}, nil
}

type executeTool struct {
	svc *memory.Service
}

func (t *executeTool) Name() string { return "kip_execute" }

func (t *executeTool) Description() string {
	return `Runs a KIP command (KQL query, KML change or META introspection). The call is recorded in the conversation's protocol log unless dry_run is set.

INPUT FORMAT:
{"command": "FIND(?n) WHERE { ?n {type: :type} }", "parameters": {"type": "Person"}, "dry_run": false}`
}

func (t *executeTool) Parameters() Schema {
	return objectSchema(map[string]any{
		"command":    property("string", "The KIP command text."),
		"parameters": property("object", "Values substituted into the command."),
		"dry_run":    property("boolean", "Validate without applying."),
	}, "command")
}

func (t *executeTool) Invoke(ctx context.Context, call *Call) (*Result, error) {
	var args struct {
		Command    string         `json:"command"`
		Parameters map[string]any `json:"parameters"`
		DryRun     bool           `json:"dry_run"`
	}
	if err := decodeArguments(call.Arguments, &args); err != nil {
		return nil, err
	}
	result, err := t.svc.ExecuteCommand(ctx, call.Caller, call.Conversation, args.Command, args.Parameters, args.DryRun)
	if err != nil {
		return nil, err
	}
	return &Result{Output: result}, nil
}

type primerTool struct {
	svc      *memory.Service
	registry *Registry
}

func (t *primerTool) Name() string { return "system_primer" }

func (t *primerTool) Description() string {
	return `Describes the memory system: who you are, how to use memory and which tools exist.`
}

func (t *primerTool) Parameters() Schema {
	return objectSchema(map[string]any{})
}

func (t *primerTool) Invoke(_ context.Context, call *Call) (*Result, error) {
	if err := decodeArguments(call.Arguments, &struct{}{}); err != nil {
		return nil, err
	}
	return &Result{Output: t.svc.DescribeSystem(t.registry.Info()...)}, nil
}
