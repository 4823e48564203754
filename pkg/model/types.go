// Package model holds the chat domain records shared by the transport,
// history and reconciliation layers.
package model

import (
	"fmt"
	"time"
)

// MessageType discriminates text messages from file messages.
type MessageType string

const (
	MessageTypeText MessageType = "TEXT"
	MessageTypeFile MessageType = "FILE"
)

type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Message is a chat message as delivered by the broker or the history API.
type Message struct {
	ID             int64        `json:"id"`
	ConversationID int64        `json:"conversationId,omitempty"`
	SenderID       int64        `json:"senderId,omitempty"`
	Text           string       `json:"text"`
	Type           MessageType  `json:"type,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

// Summary renders the one-line preview used for a conversation's last message.
func (m Message) Summary() string {
	if m.Type != MessageTypeFile {
		return m.Text
	}
	switch len(m.Attachments) {
	case 0:
		return "[file]"
	case 1:
		if m.Attachments[0].Name != "" {
			return "[file] " + m.Attachments[0].Name
		}
		return "[file]"
	default:
		return fmt.Sprintf("[%d files]", len(m.Attachments))
	}
}

// Before reports whether m sorts ahead of other: timestamp first, id breaks ties.
func (m Message) Before(other Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.Before(other.Timestamp)
	}
	return m.ID < other.ID
}

type Conversation struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	CreatorID   int64     `json:"creatorId,omitempty"`
	ExpertID    int64     `json:"expertId,omitempty"`
	LastMessage *Message  `json:"lastMessage,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// LastMessageSummary returns the preview line for the conversation list.
func (c Conversation) LastMessageSummary() string {
	if c.LastMessage == nil {
		return ""
	}
	return c.LastMessage.Summary()
}

// NewConversation is the body of a create-conversation request.
type NewConversation struct {
	Title     string `json:"title"`
	CreatorID int64  `json:"creatorId"`
	ExpertID  int64  `json:"expertId,omitempty"`
}

// OutboundMessage is the wire payload published for a user-authored message.
type OutboundMessage struct {
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
	SenderID    int64    `json:"senderId"`
}

// PresenceUpdate is published once during a graceful disconnect.
type PresenceUpdate struct {
	SenderID int64  `json:"senderId"`
	Status   string `json:"status"`
}

const PresenceDisconnected = "DISCONNECTED"

// SessionInfo is the bootstrap response describing the broker endpoint and
// its destination templates.
type SessionInfo struct {
	ServerHost                    string `json:"serverHost"`
	ServerPort                    int    `json:"serverPort"`
	PublishDestinationTemplate    string `json:"publishDestinationTemplate"`
	SubscribeConversationTemplate string `json:"subscribeConversationTemplate"`
	SubscribeNotificationTemplate string `json:"subscribeNotificationTemplate"`
}

// Page is one response of a page-number based history endpoint.
type Page[T any] struct {
	Content       []T  `json:"content"`
	Last          bool `json:"last"`
	TotalElements int  `json:"totalElements"`
}

// PageKey addresses one history page. PageNumber starts at 0.
type PageKey struct {
	PageNumber int
	PageSize   int
}
