package channel

import (
	"context"

	"github.com/billm/switchboard/pkg/types"
)

// Channel is a bidirectional message link to one client context.
//
// Send is safe for concurrent use. Receive must be called from a single
// goroutine. A Receive error carrying types.ErrCodeInvalid reports a single
// malformed frame; the channel stays usable. Any other error means the
// channel is gone and Done is closed.
type Channel interface {
	ID() string
	Send(ctx context.Context, msg *types.Message) error
	Receive(ctx context.Context) (*types.Message, error)
	Close() error
	Done() <-chan struct{}
}

// ErrClosed is returned by Send and Receive once a channel is closed.
var ErrClosed = types.NewError(types.ErrCodeUnavailable, "channel closed")

// IsMalformed reports whether err describes a single undecodable frame.
func IsMalformed(err error) bool {
	return types.IsErrCode(err, types.ErrCodeInvalid)
}
