// Package destination turns logical chat targets into broker destinations
// using the templates the bootstrap endpoint hands out.
package destination

import (
	"strconv"
	"strings"

	"github.com/tinyland-inc/fieldchat/pkg/logger"
	"github.com/tinyland-inc/fieldchat/pkg/model"
)

// The only two substitution tokens the server templates use.
const (
	ConversationPlaceholder = "{conversationId}"
	UserPlaceholder         = "{userId}"
)

// Resolve replaces the first occurrence of placeholder in template with value.
// A template without the placeholder is returned unchanged; the resulting
// destination will not route anywhere useful, so a warning is logged.
func Resolve(template, placeholder, value string) string {
	if !strings.Contains(template, placeholder) {
		logger.WarnCF("destination", "Template has no placeholder", map[string]any{
			"template":    template,
			"placeholder": placeholder,
		})
		return template
	}
	return strings.Replace(template, placeholder, value, 1)
}

// Templates holds the three server-provided destination templates.
type Templates struct {
	Publish      string
	Conversation string
	Notification string
}

func FromSessionInfo(info model.SessionInfo) Templates {
	return Templates{
		Publish:      info.PublishDestinationTemplate,
		Conversation: info.SubscribeConversationTemplate,
		Notification: info.SubscribeNotificationTemplate,
	}
}

// IsZero reports whether no templates are known, i.e. no session has been
// bootstrapped.
func (t Templates) IsZero() bool {
	return t == Templates{}
}

// PublishPath is where messages for a conversation are sent.
func (t Templates) PublishPath(conversationID int64) string {
	return Resolve(t.Publish, ConversationPlaceholder, strconv.FormatInt(conversationID, 10))
}

// ConversationTopic is where a conversation's messages are delivered.
func (t Templates) ConversationTopic(conversationID int64) string {
	return Resolve(t.Conversation, ConversationPlaceholder, strconv.FormatInt(conversationID, 10))
}

// NotificationTopic is the per-user notification destination.
func (t Templates) NotificationTopic(userID int64) string {
	return Resolve(t.Notification, UserPlaceholder, strconv.FormatInt(userID, 10))
}
