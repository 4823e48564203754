// Package chat wires the session, subscription registry, publisher and REST
// client into the API the application talks to.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/tinyland-inc/fieldchat/pkg/api"
	"github.com/tinyland-inc/fieldchat/pkg/auth"
	"github.com/tinyland-inc/fieldchat/pkg/config"
	"github.com/tinyland-inc/fieldchat/pkg/history"
	"github.com/tinyland-inc/fieldchat/pkg/logger"
	"github.com/tinyland-inc/fieldchat/pkg/model"
	"github.com/tinyland-inc/fieldchat/pkg/publisher"
	"github.com/tinyland-inc/fieldchat/pkg/session"
	"github.com/tinyland-inc/fieldchat/pkg/subscription"
)

// Options configures a Client.
type Options struct {
	APIBase        string
	UserID         int64
	Tokens         oauth2.TokenSource
	PageSize       int
	MessageRetries int
	MailboxSize    int
	RequestTimeout time.Duration
	Session        session.Options
}

// OptionsFromConfig maps the file/env configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	ch := cfg.Chat
	tokens := auth.TokenSource(ch.Token)

	so := session.DefaultOptions()
	so.Scheme = ch.WSScheme
	so.Path = ch.WSPath
	so.ReceiptTimeout = ch.ReceiptTimeout()
	so.Heartbeat = ch.Heartbeat()
	so.UserID = ch.UserID
	so.DisconnectDestination = ch.DisconnectDestination
	so.DisconnectRetries = ch.DisconnectRetries
	so.Tokens = tokens

	return Options{
		APIBase:        ch.APIBase,
		UserID:         ch.UserID,
		Tokens:         tokens,
		PageSize:       ch.PageSize,
		MessageRetries: ch.MessageRetries,
		MailboxSize:    ch.MailboxSize,
		RequestTimeout: ch.RequestTimeout(),
		Session:        so,
	}
}

// Client is one chat-feature activation. It owns exactly one session.
type Client struct {
	userID   int64
	pageSize int

	api       *api.Client
	session   *session.Session
	registry  *subscription.Registry
	publisher *publisher.Publisher
}

func New(opts Options) (*Client, error) {
	if opts.APIBase == "" {
		return nil, errors.New("chat api base URL is not configured")
	}
	apiClient, err := api.NewClient(api.Config{
		BaseURL: opts.APIBase,
		Timeout: opts.RequestTimeout,
		Tokens:  opts.Tokens,
	})
	if err != nil {
		return nil, err
	}

	if opts.Session.Tokens == nil {
		opts.Session.Tokens = opts.Tokens
	}
	if opts.Session.UserID == 0 {
		opts.Session.UserID = opts.UserID
	}
	sess := session.New(apiClient, opts.Session)

	return &Client{
		userID:    opts.UserID,
		pageSize:  opts.PageSize,
		api:       apiClient,
		session:   sess,
		registry:  subscription.NewRegistry(sess, opts.MailboxSize),
		publisher: publisher.New(sess, publisher.WithMessageRetries(opts.MessageRetries)),
	}, nil
}

func (c *Client) UserID() int64 {
	return c.userID
}

// Session exposes the underlying transport session.
func (c *Client) Session() *session.Session {
	return c.session
}

func (c *Client) Connect(ctx context.Context) error {
	return c.session.Connect(ctx)
}

// Disconnect ends the session. Every live subscription handle becomes
// invalid; a later Connect needs fresh subscriptions.
func (c *Client) Disconnect(ctx context.Context) {
	c.session.Disconnect(ctx)
}

// Close disconnects and stops all delivery goroutines.
func (c *Client) Close(ctx context.Context) {
	c.session.Disconnect(ctx)
	c.registry.Close()
}

func (c *Client) IsConnected() bool {
	return c.session.IsConnected()
}

// SubscribeConversation delivers every live message of a conversation to
// handler, on a goroutine dedicated to that conversation.
func (c *Client) SubscribeConversation(conversationID int64, handler func(model.Message)) (*subscription.Handle, error) {
	tpl := c.session.Templates()
	if tpl.IsZero() {
		return nil, session.ErrNotConnected
	}
	dest := tpl.ConversationTopic(conversationID)
	return subscription.Subscribe(c.registry, dest, subscription.JSON[model.Message](), handler)
}

// SubscribeNotifications delivers the current user's notifications.
func (c *Client) SubscribeNotifications(handler func(model.Notification)) (*subscription.Handle, error) {
	tpl := c.session.Templates()
	if tpl.IsZero() {
		return nil, session.ErrNotConnected
	}
	dest := tpl.NotificationTopic(c.userID)
	return subscription.Subscribe(c.registry, dest, model.DecodeNotification, handler)
}

// SendMessage publishes a message authored by the current user. It retries
// per the configured message budget; opts may override it or add a failure
// callback.
func (c *Client) SendMessage(
	ctx context.Context,
	conversationID int64,
	text string,
	attachments []string,
	opts ...publisher.SendOption,
) error {
	return c.publisher.SendMessage(ctx, conversationID, model.OutboundMessage{
		Text:        text,
		Attachments: attachments,
		SenderID:    c.userID,
	}, opts...)
}

// Conversations pages through the current user's conversations.
func (c *Client) Conversations() *history.Source[model.Conversation] {
	return history.NewConversationSource(c.api, c.userID, c.pageSize)
}

// Messages pages through one conversation's history.
func (c *Client) Messages(conversationID int64) *history.Source[model.Message] {
	return history.NewMessageSource(c.api, conversationID, c.pageSize)
}

// CreateConversation opens a conversation between the current user and an
// expert.
func (c *Client) CreateConversation(ctx context.Context, title string, expertID int64) (*model.Conversation, error) {
	conv, err := c.api.CreateConversation(ctx, model.NewConversation{
		Title:     title,
		CreatorID: c.userID,
		ExpertID:  expertID,
	})
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	logger.InfoCF("chat", "Conversation created", map[string]any{"conversation": conv.ID})
	return conv, nil
}

func (c *Client) DeleteConversation(ctx context.Context, conversationID int64) error {
	if err := c.api.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("delete conversation %d: %w", conversationID, err)
	}
	return nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID int64) error {
	if err := c.api.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("delete message %d: %w", messageID, err)
	}
	return nil
}
