package greenapi

import (
	"time"

	"github.com/wadigest/wadigest/internal/models"
)

// Webhook type names carried in notification bodies.
const (
	WebhookIncomingMessage = "incomingMessageReceived"
	WebhookOutgoingMessage = "outgoingMessageReceived"
	WebhookOutgoingStatus  = "outgoingMessageStatus"
	WebhookStateInstance   = "stateInstanceChanged"
)

// Message type names inside message notifications.
const (
	MessageTypeText     = "textMessage"
	MessageTypeExtended = "extendedTextMessage"
)

// Notification is one queued webhook event fetched from the remote
// notification feed. The receipt ID acknowledges it back.
type Notification struct {
	ReceiptID int64            `json:"receiptId"`
	Body      NotificationBody `json:"body"`
}

// NotificationBody carries the event payload. Which fields are populated
// depends on TypeWebhook.
type NotificationBody struct {
	TypeWebhook   string      `json:"typeWebhook"`
	Timestamp     int64       `json:"timestamp"`
	IDMessage     string      `json:"idMessage"`
	SenderData    SenderData  `json:"senderData"`
	MessageData   MessageData `json:"messageData"`
	StateInstance string      `json:"stateInstance"`
}

// SenderData identifies the chat and author of a message notification.
type SenderData struct {
	ChatID     string `json:"chatId"`
	Sender     string `json:"sender"`
	SenderName string `json:"senderName"`
}

// MessageData holds the message content of a message notification.
type MessageData struct {
	TypeMessage             string                  `json:"typeMessage"`
	TextMessageData         TextMessageData         `json:"textMessageData"`
	ExtendedTextMessageData ExtendedTextMessageData `json:"extendedTextMessageData"`
}

// TextMessageData is the plain text payload.
type TextMessageData struct {
	TextMessage string `json:"textMessage"`
}

// ExtendedTextMessageData is the payload for messages with link previews,
// quotes and similar decorations.
type ExtendedTextMessageData struct {
	Text string `json:"text"`
}

// IsIncomingMessage reports whether the notification carries an inbound
// chat message.
func (n *Notification) IsIncomingMessage() bool {
	return n.Body.TypeWebhook == WebhookIncomingMessage
}

// IsStateChange reports whether the notification announces an instance
// state transition.
func (n *Notification) IsStateChange() bool {
	return n.Body.TypeWebhook == WebhookStateInstance
}

// Text returns the message text for text-bearing notifications, or "".
func (n *Notification) Text() string {
	switch n.Body.MessageData.TypeMessage {
	case MessageTypeText:
		return n.Body.MessageData.TextMessageData.TextMessage
	case MessageTypeExtended:
		return n.Body.MessageData.ExtendedTextMessageData.Text
	default:
		return ""
	}
}

// Message converts a message notification into the stored form.
func (n *Notification) Message() models.Message {
	return models.Message{
		ID:         n.Body.IDMessage,
		GroupID:    n.Body.SenderData.ChatID,
		Sender:     n.Body.SenderData.Sender,
		SenderName: n.Body.SenderData.SenderName,
		Body:       n.Text(),
		Timestamp:  time.Unix(n.Body.Timestamp, 0).UTC(),
	}
}
