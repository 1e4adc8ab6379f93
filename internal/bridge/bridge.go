// Package bridge defines the chat bridge interface the core uses to
// deliver outbound text, plus a provider-neutral chunking adapter any
// concrete transport (Telegram, Discord, ...) can sit behind.
package bridge

import (
	"context"
	"errors"

	"github.com/nevindra/conduit/internal/ipcwatch"
)

// ErrEmptyText is returned when Send is asked to deliver an empty string.
var ErrEmptyText = errors.New("bridge: empty text rejected")

// Bridge delivers outbound chat text and edits a previously-sent message.
// Inbound messages never reach conduit through this interface — they
// arrive only via the storage adapter (internal/store), written by
// whatever process owns the provider connection.
type Bridge interface {
	// Send delivers text to chatID, chunked to the provider's character
	// limit, and returns the ID of the last chunk sent (for later Edit
	// calls). Returns ErrEmptyText for an empty string.
	Send(ctx context.Context, chatID, text string) (lastMessageID string, err error)
	// Edit replaces the content of an existing message, truncated to the
	// provider's character limit (edits never split into multiple
	// messages).
	Edit(ctx context.Context, chatID, messageID, text string) error
}

// Transport is the low-level, provider-specific send/edit primitive a
// Bridge wraps. Implementing it (the actual HTTP client against a
// provider's API) is an external collaborator's concern.
type Transport interface {
	SendRaw(ctx context.Context, chatID, text string) (messageID string, err error)
	EditRaw(ctx context.Context, chatID, messageID, text string) error
}

// Adapter turns any Transport into a Bridge by applying the character-limit
// chunking rule uniformly.
type Adapter struct {
	transport Transport
	limit     int
}

// New wraps transport in the chunking rule for the given character limit.
func New(transport Transport, limit int) *Adapter {
	if limit <= 0 {
		limit = 4096
	}
	return &Adapter{transport: transport, limit: limit}
}

var _ Bridge = (*Adapter)(nil)

// Send splits text into Split(text, limit) chunks and sends each in order,
// returning the ID of the final chunk.
func (a *Adapter) Send(ctx context.Context, chatID, text string) (string, error) {
	if text == "" {
		return "", ErrEmptyText
	}
	var lastID string
	for _, chunk := range Split(text, a.limit) {
		id, err := a.transport.SendRaw(ctx, chatID, chunk)
		if err != nil {
			return lastID, err
		}
		lastID = id
	}
	return lastID, nil
}

// Edit truncates text to the character limit and replaces messageID's
// content — editing never grows an existing message into several.
func (a *Adapter) Edit(ctx context.Context, chatID, messageID, text string) error {
	if r := []rune(text); len(r) > a.limit {
		text = string(r[:a.limit])
	}
	return a.transport.EditRaw(ctx, chatID, messageID, text)
}

// Split divides text into chunks of at most limit characters, preferring
// to break on the last newline within the limit so a chunk never cuts a
// line in half when avoidable.
func Split(text string, limit int) []string {
	remaining := []rune(text)
	if len(remaining) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(remaining) > 0 {
		if len(remaining) <= limit {
			chunks = append(chunks, string(remaining))
			break
		}
		window := remaining[:limit]
		splitPos := lastIndexRune(window, '\n')
		if splitPos == -1 {
			splitPos = limit
		} else {
			splitPos++ // keep the newline with the chunk that precedes the break
		}
		chunks = append(chunks, string(remaining[:splitPos]))
		remaining = remaining[splitPos:]
	}
	return chunks
}

func lastIndexRune(s []rune, b rune) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// Sender adapts a Bridge into ipcwatch.MessageSender, discarding the sent
// message's ID — the IPC watcher only needs to know delivery succeeded.
type Sender struct {
	bridge Bridge
}

// NewSender wraps b for use as the IPC watcher's MessageSender.
func NewSender(b Bridge) *Sender {
	return &Sender{bridge: b}
}

var _ ipcwatch.MessageSender = (*Sender)(nil)

func (s *Sender) Send(ctx context.Context, chatID, text string) error {
	_, err := s.bridge.Send(ctx, chatID, text)
	return err
}
