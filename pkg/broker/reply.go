package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Request/reply is layered on top of pub/sub: the caller registers a reply
// channel keyed by the request's message id, publishes the request, and
// waits. Responders publish a message carrying MetaInReplyTo, which the
// broker delivers straight to the waiting channel. The channel is removed
// on reply, timeout, or cancellation — a reply that arrives after the
// caller gave up is dropped silently.

// Request publishes msg and blocks until a correlated reply arrives, the
// per-call timeout elapses, or ctx is cancelled.
func (b *Broker) Request(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	ch := make(chan *Message, 1)
	b.replyMu.Lock()
	b.replies[msg.ID] = ch
	b.replyMu.Unlock()
	defer func() {
		b.replyMu.Lock()
		delete(b.replies, msg.ID)
		b.replyMu.Unlock()
	}()

	if _, err := b.Publish(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return nil, ErrReplyTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond publishes a reply to req with the given type and content. The
// reply inherits the request's correlation id and swaps source and target.
func (b *Broker) Respond(req *Message, typ MessageType, content map[string]any) error {
	reply := &Message{
		Type:          typ,
		Source:        req.Target,
		Target:        req.Source,
		Content:       content,
		CorrelationID: req.CorrelationID,
		Metadata:      map[string]any{MetaInReplyTo: req.ID},
	}
	_, err := b.Publish(reply)
	return err
}

// deliverReply hands msg to the request waiting on replyTo. Returns false
// when no request is pending under that id.
func (b *Broker) deliverReply(replyTo string, msg *Message) bool {
	b.replyMu.Lock()
	ch, ok := b.replies[replyTo]
	if ok {
		delete(b.replies, replyTo)
	}
	b.replyMu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}
