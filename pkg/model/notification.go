package model

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Notification types pushed on the per-user queue.
const (
	NotificationNewMessage          = "NEW_MESSAGE"
	NotificationMessageDeleted      = "MESSAGE_DELETED"
	NotificationConversationCreated = "CONVERSATION_CREATED"
	NotificationConversationDeleted = "CONVERSATION_DELETED"
)

var ErrInvalidNotification = errors.New("invalid notification payload")

// Notification is an event delivered on the user's notification destination.
// Raw keeps the original frame body so callers can read fields the client
// does not model.
type Notification struct {
	Type           string
	ConversationID int64
	MessageID      int64
	Message        *Message
	Raw            []byte
}

// DecodeNotification parses a notification frame body. Only "type" is
// required; the embedded message is decoded when present.
func DecodeNotification(data []byte) (Notification, error) {
	if !gjson.ValidBytes(data) {
		return Notification{}, ErrInvalidNotification
	}
	fields := gjson.GetManyBytes(data, "type", "conversationId", "messageId", "message")
	if !fields[0].Exists() || fields[0].String() == "" {
		return Notification{}, fmt.Errorf("%w: missing type", ErrInvalidNotification)
	}

	n := Notification{
		Type:           fields[0].String(),
		ConversationID: fields[1].Int(),
		MessageID:      fields[2].Int(),
		Raw:            data,
	}
	if fields[3].IsObject() {
		var msg Message
		if err := json.Unmarshal([]byte(fields[3].Raw), &msg); err != nil {
			return Notification{}, fmt.Errorf("%w: message: %v", ErrInvalidNotification, err)
		}
		n.Message = &msg
		if n.MessageID == 0 {
			n.MessageID = msg.ID
		}
		if n.ConversationID == 0 {
			n.ConversationID = msg.ConversationID
		}
	}
	return n, nil
}
