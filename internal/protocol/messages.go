package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeTurn MessageType = "turn"
	// TypeLegacyAIMessage is the inbound name older clients send, with the
	// chat id under "chat".
	TypeLegacyAIMessage MessageType = "ai-message"

	TypeReply MessageType = "reply"
	TypeError MessageType = "error"
	TypeReady MessageType = "ready"
)

// KindInvalidMessage reports inbound frames that could not be parsed.
const KindInvalidMessage = "InvalidMessage"

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Turn is one user utterance addressed to a chat.
type Turn struct {
	Type    MessageType `json:"type"`
	ChatID  string      `json:"chatId"`
	Content string      `json:"content"`
}

type legacyAIMessage struct {
	Chat    string `json:"chat"`
	Content string `json:"content"`
}

type Reply struct {
	Type    MessageType `json:"type"`
	ChatID  string      `json:"chatId"`
	TurnID  string      `json:"turnId"`
	Content string      `json:"content"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	ChatID    string      `json:"chatId,omitempty"`
	Kind      string      `json:"kind"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

type Ready struct {
	Type         MessageType `json:"type"`
	ConnectionID string      `json:"connectionId"`
	UserID       string      `json:"userId"`
}

func NewReply(chatID, turnID, content string) Reply {
	return Reply{Type: TypeReply, ChatID: chatID, TurnID: turnID, Content: content}
}

func NewError(chatID, kind, message string, retryable bool) ErrorEvent {
	return ErrorEvent{Type: TypeError, ChatID: chatID, Kind: kind, Message: message, Retryable: retryable}
}

func NewReady(connectionID, userID string) Ready {
	return Ready{Type: TypeReady, ConnectionID: connectionID, UserID: userID}
}

// ParseClientMessage decodes an inbound frame into a Turn. Content is passed
// through untouched; emptiness is the pipeline's call.
func ParseClientMessage(raw []byte) (Turn, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Turn{}, fmt.Errorf("invalid envelope: %w", err)
	}

	var msg Turn
	switch env.Type {
	case TypeTurn:
		if err := json.Unmarshal(raw, &msg); err != nil {
			return Turn{}, err
		}
	case TypeLegacyAIMessage:
		var legacy legacyAIMessage
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return Turn{}, err
		}
		msg = Turn{ChatID: legacy.Chat, Content: legacy.Content}
	default:
		return Turn{}, ErrUnsupportedType
	}

	msg.Type = TypeTurn
	msg.ChatID = strings.TrimSpace(msg.ChatID)
	if msg.ChatID == "" {
		return Turn{}, errors.New("invalid turn: missing chatId")
	}
	return msg, nil
}

// TypeOf reports the type of an outbound event.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case Reply:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	case Ready:
		return m.Type, true
	default:
		return "", false
	}
}
