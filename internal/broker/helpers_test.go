package broker

import "github.com/pubsubd/broker/internal/subscriber"

func newNoopSubscriber(clientID string) *subscriber.Subscriber {
	return subscriber.New(clientID, 10, 3)
}

type noopEjector struct{}

func (noopEjector) NotifySlowConsumer(string) {}
