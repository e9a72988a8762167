// Package channel abstracts a bidirectional, message-oriented link between
// the broker and one client context.
//
// A Channel carries types.Message frames. Two implementations are provided:
//
//   - WebSocket wraps a gorilla/websocket connection and is what the server
//     hands to the broker for every accepted client.
//   - Pipe returns a connected in-memory pair. Frames still round-trip
//     through JSON so tests exercise the same encoding as the socket.
//
// The Registry tracks the live channels of a broker. Channels are added on
// connect and removed when their Done channel closes.
package channel
