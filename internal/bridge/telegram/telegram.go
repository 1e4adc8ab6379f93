// Package telegram adapts a Telegram-specific transport into the narrower
// internal/bridge.Bridge interface. The actual HTTP client against the
// Bot API (go-telegram-bot-api style long polling, message formatting) is
// an external collaborator's concern; this package only wires Telegram's
// character limit into the shared chunking adapter.
package telegram

import (
	"github.com/nevindra/conduit/internal/bridge"
)

// maxMessageLength is Telegram's hard per-message character cap.
const maxMessageLength = 4096

// New wraps transport (the caller's Bot API client) as a bridge.Bridge
// using Telegram's message length limit.
func New(transport bridge.Transport) *bridge.Adapter {
	return bridge.New(transport, maxMessageLength)
}
