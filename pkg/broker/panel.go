package broker

import (
	"encoding/json"
	"sync"

	"github.com/billm/switchboard/pkg/types"
)

// Panel actions
const (
	PanelOpen   = "open"
	PanelClose  = "close"
	PanelToggle = "toggle"
)

// PanelRequest is the payload of the panel command
type PanelRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PanelState is the shared panel shown by every client
type PanelState struct {
	Open    bool            `json:"open"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type panelState struct {
	mu      sync.Mutex
	current *PanelState
}

// apply updates the panel and returns the new state. Toggling the panel
// that is already current flips it; toggling any other panel opens it.
func (p *panelState) apply(req PanelRequest) (PanelState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var next PanelState
	switch req.Type {
	case PanelOpen:
		next = PanelState{Open: true, ID: req.ID, Payload: req.Payload}
	case PanelClose:
		next = PanelState{Open: false, ID: req.ID}
	case PanelToggle:
		open := true
		if p.current != nil && p.current.ID == req.ID {
			open = !p.current.Open
		}
		next = PanelState{Open: open, ID: req.ID, Payload: req.Payload}
	default:
		return PanelState{}, types.NewError(types.ErrCodeInvalidArgument, "unknown panel action: "+req.Type)
	}

	p.current = &next
	return next, nil
}
