package channel

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/billm/switchboard/pkg/types"
)

// pipeLink is the state shared by both ends of a Pipe.
type pipeLink struct {
	once sync.Once
	done chan struct{}
}

func (l *pipeLink) close() {
	l.once.Do(func() { close(l.done) })
}

// PipeEnd is one side of an in-memory channel pair.
type PipeEnd struct {
	id   string
	in   chan []byte
	peer *PipeEnd
	link *pipeLink
}

// Pipe returns two connected channel ends. Closing either end closes both.
// Frames are JSON-encoded on Send and decoded on Receive.
func Pipe() (*PipeEnd, *PipeEnd) {
	link := &pipeLink{done: make(chan struct{})}
	a := &PipeEnd{id: types.GenerateID().String(), in: make(chan []byte, inboxSize), link: link}
	b := &PipeEnd{id: types.GenerateID().String(), in: make(chan []byte, inboxSize), link: link}
	a.peer, b.peer = b, a
	return a, b
}

// ID returns the end's identifier
func (p *PipeEnd) ID() string { return p.id }

// Done is closed once either end is closed
func (p *PipeEnd) Done() <-chan struct{} { return p.link.done }

// Send encodes msg and queues it for the peer.
func (p *PipeEnd) Send(ctx context.Context, msg *types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to encode message", err)
	}
	return p.SendRaw(ctx, data)
}

// SendRaw queues an already-encoded frame for the peer. Tests use it to
// inject malformed frames.
func (p *PipeEnd) SendRaw(ctx context.Context, data []byte) error {
	select {
	case <-p.link.done:
		return ErrClosed
	default:
	}

	select {
	case p.peer.in <- data:
		return nil
	case <-p.link.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive decodes the next frame sent by the peer.
func (p *PipeEnd) Receive(ctx context.Context) (*types.Message, error) {
	select {
	case data := <-p.in:
		return decodeFrame(data)
	case <-p.link.done:
		// drain frames queued before the close
		select {
		case data := <-p.in:
			return decodeFrame(data)
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes both ends.
func (p *PipeEnd) Close() error {
	p.link.close()
	return nil
}

func decodeFrame(data []byte) (*types.Message, error) {
	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "malformed frame", err)
	}
	return &msg, nil
}
