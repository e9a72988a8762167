// Package dispatch maps request command names to their handlers.
//
// The table is built once at startup and never changes afterwards. Building
// it fails if a required command has no handler, so a missing command is a
// startup error rather than a runtime miss.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"

	"github.com/billm/switchboard/internal/logger"
	"github.com/billm/switchboard/pkg/types"
)

// Command names understood by the broker.
const (
	CommandFetchMetrics     = "fetch_metrics"
	CommandConnectWebSocket = "connect_websocket"
	CommandSendWebSocket    = "send_websocket"
	CommandCloseWebSocket   = "close_websocket"
	CommandPanel            = "panel"
	CommandDBGet            = "db_get"
	CommandDBSet            = "db_set"
	CommandDBDelete         = "db_delete"
	CommandDBList           = "db_list"
)

// Commands lists every built-in command
var Commands = []string{
	CommandFetchMetrics,
	CommandConnectWebSocket,
	CommandSendWebSocket,
	CommandCloseWebSocket,
	CommandPanel,
	CommandDBGet,
	CommandDBSet,
	CommandDBDelete,
	CommandDBList,
}

// Handler handles one command
type Handler interface {
	// Handle processes the request payload and returns the result to send
	// back. The result must be JSON-encodable.
	Handle(ctx context.Context, payload json.RawMessage) (any, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) (any, error) {
	return f(ctx, payload)
}

// Table is an immutable command table
type Table struct {
	handlers map[string]Handler
	logger   *logger.Logger
}

// NewTable builds a table from handlers. Every name in required must have a
// handler.
func NewTable(handlers map[string]Handler, required []string, log *logger.Logger) (*Table, error) {
	if log == nil {
		log = logger.NewNop()
	}

	table := make(map[string]Handler, len(handlers))
	for name, h := range handlers {
		if name == "" {
			return nil, types.NewError(types.ErrCodeInvalidArgument, "command name cannot be empty")
		}
		if h == nil {
			return nil, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("handler for %s cannot be nil", name))
		}
		table[name] = h
	}

	var missing []string
	for _, name := range required {
		if _, ok := table[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, types.NewError(types.ErrCodeFailedPrecondition, fmt.Sprintf("no handler for commands: %v", missing))
	}

	return &Table{handlers: table, logger: log.With("component", "dispatch")}, nil
}

// Names returns the registered command names, sorted
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the handler for name. It never panics: an unknown command
// and a panicking handler both come back as errors. Handler errors are
// returned unchanged so their message reaches the caller as written.
func (t *Table) Dispatch(ctx context.Context, name string, payload json.RawMessage) (result any, err error) {
	h, ok := t.handlers[name]
	if !ok {
		return nil, types.NewError(types.ErrCodeNotFound, "Unknown request type: "+name)
	}

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Handler panicked", "command", name, "panic", r, "stack", string(debug.Stack()))
			result = nil
			err = types.NewError(types.ErrCodeHandlerFailed, fmt.Sprintf("%s handler panicked: %v", name, r))
		}
	}()

	return h.Handle(ctx, payload)
}

// Decode unmarshals payload into T. An empty payload yields T's zero value.
func Decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 || string(payload) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, types.WrapError(types.ErrCodeInvalidArgument, "invalid payload", err)
	}
	return v, nil
}
