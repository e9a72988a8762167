package client

import (
	"context"
	"encoding/json"

	"github.com/billm/switchboard/pkg/dispatch"
)

type storeKey struct {
	Store string `json:"store"`
	Key   string `json:"key,omitempty"`
}

type storeEntry struct {
	Store string `json:"store"`
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Get returns the raw value stored under key, or JSON null when missing.
func (c *Client) Get(ctx context.Context, store, key string) (json.RawMessage, error) {
	return c.Call(ctx, dispatch.CommandDBGet, storeKey{Store: store, Key: key}, 0)
}

// Set stores value under key
func (c *Client) Set(ctx context.Context, store, key string, value any) error {
	_, err := c.Call(ctx, dispatch.CommandDBSet, storeEntry{Store: store, Key: key, Value: value}, 0)
	return err
}

// Delete removes key
func (c *Client) Delete(ctx context.Context, store, key string) error {
	_, err := c.Call(ctx, dispatch.CommandDBDelete, storeKey{Store: store, Key: key}, 0)
	return err
}

// List returns every value in store ordered by key
func (c *Client) List(ctx context.Context, store string) ([]json.RawMessage, error) {
	return CallAs[[]json.RawMessage](ctx, c, dispatch.CommandDBList, storeKey{Store: store}, 0)
}
