package reconws

import (
	log "github.com/sirupsen/logrus"

	"github.com/collabd/relay/internal/envelope"
)

// Handler consumes envelopes delivered on a subscribed topic
type Handler func(envelope.Envelope)

// Subscription is the handle returned by Subscribe, for use with
// Unsubscribe. Each subscription receives every envelope on its topic,
// independently of any other subscriptions to the same topic.
type Subscription struct {
	topic string
	fn    Handler
}

// Topic returns the topic this subscription is registered for
func (s *Subscription) Topic() string {
	return s.topic
}

// Subscribe registers a handler for a topic (the envelope type). Handlers
// for a topic are invoked in registration order.
func (r *ReconWs) Subscribe(topic string, fn Handler) *Subscription {

	sub := &Subscription{topic: topic, fn: fn}

	r.mu.Lock()
	r.handlers[topic] = append(r.handlers[topic], sub)
	r.mu.Unlock()

	return sub
}

// Unsubscribe removes exactly one subscription; a no-op if it is not
// currently registered, so unsubscribing twice is safe
func (r *ReconWs) Unsubscribe(sub *Subscription) {

	if sub == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.handlers[sub.topic]
	for i, s := range subs {
		if s == sub {
			r.handlers[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			if len(r.handlers[sub.topic]) == 0 {
				delete(r.handlers, sub.topic)
			}
			return
		}
	}
}

// dispatch invokes each handler subscribed to the envelope's type,
// synchronously and in registration order. A panicking handler is isolated
// and logged; later handlers still run.
func (r *ReconWs) dispatch(env envelope.Envelope) {

	r.mu.Lock()
	subs := append([]*Subscription{}, r.handlers[env.Type]...)
	r.mu.Unlock()

	for _, sub := range subs {
		invoke(sub, env)
	}
}

func invoke(sub *Subscription, env envelope.Envelope) {
	defer func() {
		if p := recover(); p != nil {
			log.WithFields(log.Fields{"topic": sub.topic, "panic": p}).Error("handler panicked")
		}
	}()
	sub.fn(env)
}
