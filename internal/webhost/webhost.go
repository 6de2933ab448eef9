// Package webhost abstracts the web-view surface that hosts journey pages.
// The production host lives in the embedding application; this package
// defines the narrow contract the runtime consumes and ships a development
// host that carries bridge traffic over a WebSocket.
package webhost

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handle is a presented page surface.
type Handle interface {
	// DispatchToPage evaluates a script on the hosted page. Implementations
	// marshal onto their own UI thread.
	DispatchToPage(script string) error
	Close() error
}

// Host presents journey pages and returns a handle for script dispatch.
// Inbound page messages are handed to onInbound; they may arrive on any
// goroutine.
type Host interface {
	Present(ctx context.Context, pageURL string, onInbound func(raw []byte), allowedOrigins []string, allowFileOrigins bool) (Handle, error)
}

// ReceiveScript builds the page-side delivery expression for an outbound
// bridge envelope.
func ReceiveScript(bridgeName string, envelope []byte) string {
	quoted, _ := json.Marshal(string(envelope))
	return fmt.Sprintf("window.%s && window.%s.receive(%s)", bridgeName, bridgeName, quoted)
}
