package models

import "github.com/google/uuid"

// WebSocket event types
const (
	EventMessageSend   = "message.send"
	EventMessageDelete = "message.delete"
	EventDirectSend    = "dm.send"
	EventDirectNew     = "dm.new"
	EventChatSnapshot  = "chat.snapshot"
	EventChatUpsert    = "chat.upsert"
	EventChatState     = "chat.state"
	EventMessageSent   = "message.sent"
	EventError         = "error"
)

type WSMessage struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

type WSMessageSendPayload struct {
	Content   string     `json:"content"`
	ReplyToID *uuid.UUID `json:"reply_to_id,omitempty"`
}

type WSMessageDeletePayload struct {
	MessageID uuid.UUID `json:"message_id"`
}

type WSDirectSendPayload struct {
	RecipientID uuid.UUID `json:"recipient_id"`
	Content     string    `json:"content"`
}

type WSErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
