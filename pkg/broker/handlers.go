package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/billm/switchboard/pkg/dispatch"
	"github.com/billm/switchboard/pkg/poller"
	"github.com/billm/switchboard/pkg/types"
)

// storeArgs is the payload of every db_* command
type storeArgs struct {
	Store string          `json:"store"`
	Key   *string         `json:"key"`
	Value json.RawMessage `json:"value"`
}

// dbEvent is broadcast on TopicDB after a successful write
type dbEvent struct {
	Store   string `json:"store"`
	Key     string `json:"key"`
	Value   any    `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

func (b *Broker) builtinHandlers(fetch poller.FetchFunc) map[string]dispatch.Handler {
	return map[string]dispatch.Handler{
		dispatch.CommandFetchMetrics: dispatch.HandlerFunc(func(ctx context.Context, _ json.RawMessage) (any, error) {
			return fetch(ctx)
		}),
		dispatch.CommandConnectWebSocket: dispatch.HandlerFunc(b.handleConnectWebSocket),
		dispatch.CommandSendWebSocket:    dispatch.HandlerFunc(b.handleSendWebSocket),
		dispatch.CommandCloseWebSocket:   dispatch.HandlerFunc(b.handleCloseWebSocket),
		dispatch.CommandPanel:            dispatch.HandlerFunc(b.handlePanel),
		dispatch.CommandDBGet:            dispatch.HandlerFunc(b.handleDBGet),
		dispatch.CommandDBSet:            dispatch.HandlerFunc(b.handleDBSet),
		dispatch.CommandDBDelete:         dispatch.HandlerFunc(b.handleDBDelete),
		dispatch.CommandDBList:           dispatch.HandlerFunc(b.handleDBList),
	}
}

func (b *Broker) handleConnectWebSocket(context.Context, json.RawMessage) (any, error) {
	b.relay.Connect()
	return true, nil
}

func (b *Broker) handleSendWebSocket(ctx context.Context, payload json.RawMessage) (any, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if err := b.relay.Send(ctx, payload); err != nil {
		return nil, err
	}
	return true, nil
}

func (b *Broker) handleCloseWebSocket(context.Context, json.RawMessage) (any, error) {
	return b.relay.Close(), nil
}

func (b *Broker) handlePanel(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := dispatch.Decode[PanelRequest](payload)
	if err != nil {
		return nil, err
	}
	state, err := b.panel.apply(req)
	if err != nil {
		return nil, err
	}
	b.topics.Broadcast(ctx, TopicPanel, state)
	return state, nil
}

func decodeStoreArgs(command string, payload json.RawMessage, needKey bool) (storeArgs, error) {
	args, err := dispatch.Decode[storeArgs](payload)
	if err != nil {
		return args, err
	}
	if args.Store == "" || (needKey && args.Key == nil) {
		key := "undefined"
		if args.Key != nil {
			key = *args.Key
		}
		return args, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("[%s] Invalid store or key: store=%s, key=%s", command, args.Store, key))
	}
	return args, nil
}

func (b *Broker) handleDBGet(ctx context.Context, payload json.RawMessage) (any, error) {
	args, err := decodeStoreArgs(dispatch.CommandDBGet, payload, true)
	if err != nil {
		return nil, err
	}
	return b.store.Get(ctx, args.Store, *args.Key)
}

func (b *Broker) handleDBSet(ctx context.Context, payload json.RawMessage) (any, error) {
	args, err := decodeStoreArgs(dispatch.CommandDBSet, payload, true)
	if err != nil {
		return nil, err
	}

	var value any
	if len(args.Value) > 0 {
		if err := json.Unmarshal(args.Value, &value); err != nil {
			return nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid value", err)
		}
	}
	if err := b.store.Set(ctx, args.Store, *args.Key, value); err != nil {
		return nil, err
	}

	b.topics.Broadcast(ctx, TopicDB, dbEvent{Store: args.Store, Key: *args.Key, Value: args.Value})
	return true, nil
}

func (b *Broker) handleDBDelete(ctx context.Context, payload json.RawMessage) (any, error) {
	args, err := decodeStoreArgs(dispatch.CommandDBDelete, payload, true)
	if err != nil {
		return nil, err
	}
	if err := b.store.Delete(ctx, args.Store, *args.Key); err != nil {
		return nil, err
	}

	b.topics.Broadcast(ctx, TopicDB, dbEvent{Store: args.Store, Key: *args.Key, Deleted: true})
	return true, nil
}

func (b *Broker) handleDBList(ctx context.Context, payload json.RawMessage) (any, error) {
	args, err := decodeStoreArgs(dispatch.CommandDBList, payload, false)
	if err != nil {
		return nil, err
	}
	return b.store.List(ctx, args.Store)
}
