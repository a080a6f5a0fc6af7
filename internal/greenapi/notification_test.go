package greenapi

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNotificationText(t *testing.T) {
	plain := Notification{Body: NotificationBody{
		MessageData: MessageData{
			TypeMessage:     MessageTypeText,
			TextMessageData: TextMessageData{TextMessage: "plain hello"},
		},
	}}
	if got := plain.Text(); got != "plain hello" {
		t.Errorf("plain text = %q", got)
	}

	extended := Notification{Body: NotificationBody{
		MessageData: MessageData{
			TypeMessage:             MessageTypeExtended,
			ExtendedTextMessageData: ExtendedTextMessageData{Text: "linked hello"},
		},
	}}
	if got := extended.Text(); got != "linked hello" {
		t.Errorf("extended text = %q", got)
	}

	image := Notification{Body: NotificationBody{
		MessageData: MessageData{TypeMessage: "imageMessage"},
	}}
	if got := image.Text(); got != "" {
		t.Errorf("image text = %q, want empty", got)
	}
}

func TestNotificationMessage(t *testing.T) {
	raw := `{
		"receiptId": 7,
		"body": {
			"typeWebhook": "incomingMessageReceived",
			"timestamp": 1700000000,
			"idMessage": "MSG1",
			"senderData": {"chatId":"123-456@g.us","sender":"31612345678@c.us","senderName":"Ann"},
			"messageData": {"typeMessage":"textMessage","textMessageData":{"textMessage":"dinner at eight"}}
		}
	}`

	var n Notification
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		t.Fatalf("unmarshal notification: %v", err)
	}

	if !n.IsIncomingMessage() {
		t.Error("expected an incoming message notification")
	}
	if n.IsStateChange() {
		t.Error("did not expect a state change notification")
	}

	msg := n.Message()
	if msg.ID != "MSG1" || msg.GroupID != "123-456@g.us" || msg.Sender != "31612345678@c.us" {
		t.Errorf("converted message = %+v", msg)
	}
	if msg.SenderName != "Ann" || msg.Body != "dinner at eight" {
		t.Errorf("converted message = %+v", msg)
	}
	if msg.Timestamp != time.Unix(1700000000, 0).UTC() {
		t.Errorf("timestamp = %v", msg.Timestamp)
	}
}

func TestNotificationStateChange(t *testing.T) {
	n := Notification{Body: NotificationBody{
		TypeWebhook:   WebhookStateInstance,
		StateInstance: "notAuthorized",
	}}
	if !n.IsStateChange() {
		t.Error("expected a state change notification")
	}
	if n.IsIncomingMessage() {
		t.Error("did not expect an incoming message")
	}
}
