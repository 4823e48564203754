package bus

import "time"

// Delivery is one broker MESSAGE frame addressed to a subscription.
type Delivery struct {
	Destination    string            `json:"destination"`
	SubscriptionID string            `json:"subscription_id"`
	MessageID      string            `json:"message_id,omitempty"`
	ContentType    string            `json:"content_type,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           []byte            `json:"body"`
	ReceivedAt     time.Time         `json:"received_at"`
}

// Subscription is a broker-level subscription handed out by a transport.
// Done is closed once the subscription stops delivering, whether through
// Unsubscribe or because the owning session went away.
type Subscription interface {
	ID() string
	Destination() string
	Unsubscribe() error
	Done() <-chan struct{}
}
