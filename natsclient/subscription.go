package natsclient

import "github.com/nats-io/nats.go"

// Subscription is a handle to one core NATS subscription owned by a Client.
type Subscription struct {
	client *Client
	sub    *nats.Subscription
}

// Subject returns the subscribed subject
func (s *Subscription) Subject() string {
	return s.sub.Subject
}

// IsValid reports whether the subscription is still active on the connection
func (s *Subscription) IsValid() bool {
	return s.sub.IsValid()
}

// Unsubscribe removes the subscription. A second call returns ErrSubscriptionGone.
func (s *Subscription) Unsubscribe() error {
	return s.client.unsubscribe(s.sub)
}
