package wsbridge

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/convsync/pkg/chatmodel"
	"github.com/go-go-golems/convsync/pkg/messages"
	"github.com/go-go-golems/convsync/pkg/streams"
)

// Frame types sent to websocket clients.
const (
	FrameConversations  = "conversations"
	FrameMessageAdded   = "message.added"
	FrameMessageChanged = "message.changed"
	FrameMessageRemoved = "message.removed"
	FrameTyping         = "typing"
)

// Frame is one JSON text message on the socket.
type Frame struct {
	Type             string                   `json:"type"`
	ConversationWith string                   `json:"conversation_with,omitempty"`
	Conversations    []chatmodel.Conversation `json:"conversations,omitempty"`
	Message          *chatmodel.Message       `json:"message,omitempty"`
	UID              string                   `json:"uid,omitempty"`
	Typing           *messages.TypingEvent    `json:"typing,omitempty"`
}

// Bridge pushes synchronizer streams to every connected websocket client.
// New clients get the latest conversation list on connect.
type Bridge struct {
	pool     *ConnectionPool
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	conversations *streams.Stream[[]chatmodel.Conversation]
}

func New(conversations *streams.Stream[[]chatmodel.Conversation]) *Bridge {
	return &Bridge{
		pool: NewConnectionPool("conversations"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:        log.With().Str("component", "wsbridge").Logger(),
		conversations: conversations,
	}
}

func (b *Bridge) Pool() *ConnectionPool { return b.pool }

// ServeHTTP upgrades the request and keeps the client registered until it
// disconnects. Client messages are read and discarded.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	b.pool.Add(conn)
	b.logger.Debug().Str("remote", r.RemoteAddr).Int("clients", b.pool.Count()).Msg("websocket client connected")
	if b.conversations != nil {
		if list, ok := b.conversations.Last(); ok {
			if data, ok := b.encode(Frame{Type: FrameConversations, Conversations: list}); ok {
				b.pool.SendToOne(conn, data)
			}
		}
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	b.pool.Remove(conn)
	b.logger.Debug().Str("remote", r.RemoteAddr).Msg("websocket client disconnected")
}

// Run forwards conversation snapshots until ctx is done or the stream closes,
// then closes every client.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.pool.CloseAll()
	if b.conversations == nil {
		<-ctx.Done()
		return nil
	}
	forward(ctx, b, b.conversations, func(list []chatmodel.Conversation) Frame {
		return Frame{Type: FrameConversations, Conversations: list}
	})
	return nil
}

// ForwardMessages relays the message streams of one conversation until ctx is
// done or the synchronizer is disposed.
func (b *Bridge) ForwardMessages(ctx context.Context, s *messages.Synchronizer, conversationWith string) {
	go forward(ctx, b, s.Added(), func(m chatmodel.Message) Frame {
		return Frame{Type: FrameMessageAdded, ConversationWith: conversationWith, Message: &m}
	})
	go forward(ctx, b, s.Changed(), func(m chatmodel.Message) Frame {
		return Frame{Type: FrameMessageChanged, ConversationWith: conversationWith, Message: &m}
	})
	go forward(ctx, b, s.Removed(), func(uid string) Frame {
		return Frame{Type: FrameMessageRemoved, ConversationWith: conversationWith, UID: uid}
	})
	go forward(ctx, b, s.Typing(), func(ev messages.TypingEvent) Frame {
		return Frame{Type: FrameTyping, ConversationWith: conversationWith, Typing: &ev}
	})
}

func forward[T any](ctx context.Context, b *Bridge, st *streams.Stream[T], toFrame func(T) Frame) {
	ch, cancel := st.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			if data, ok := b.encode(toFrame(v)); ok {
				b.pool.Broadcast(data)
			}
		}
	}
}

func (b *Bridge) encode(f Frame) ([]byte, bool) {
	data, err := json.Marshal(f)
	if err != nil {
		b.logger.Error().Err(err).Str("type", f.Type).Msg("encode frame")
		return nil, false
	}
	return data, true
}
