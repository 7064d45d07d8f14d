package memory

import (
	"context"

	"github.com/hrygo/agentmemory/plugin/fetch"
)

// Executor runs one command of the memory command protocol (KML, KQL and
// META). Parsing and evaluating the command language happens behind it.
type Executor interface {
	Execute(ctx context.Context, cmd *Command) (*CommandOutput, error)
}

// Command is one protocol command issued on behalf of a user.
type Command struct {
	CreatorID      string
	ConversationID string
	Command        string
	Parameters     map[string]any
	// DryRun asks the executor to validate the command without applying it.
	DryRun bool
}

// CommandOutput is what an Executor returns.
type CommandOutput struct {
	// CommandType is one of the store.CommandType* values.
	CommandType string
	Result      any
}

// Fetcher downloads remote resource content.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) (*fetch.Result, error)
}
