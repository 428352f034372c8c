// Package server implements the overlay chat relay: a WebSocket endpoint
// whose connections gather in short-lived rooms addressed by six-character
// codes and exchange chat lines and presence updates.
//
// A single Hub goroutine owns the room registry and every connection's
// identity and room state. Read pumps hand frames to the hub, which decodes
// them, applies the command and fans the resulting events out before it
// looks at the next frame. Write pumps drain per-connection buffers, so the
// hub never blocks on a slow or closed transport.
package server
