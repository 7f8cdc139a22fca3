package events

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/dashchat/pkg/chat"
)

// TopicTimeline carries TimelineChanged notifications.
const TopicTimeline = "dashchat.timeline"

// TimelineChanged is a lightweight notification; consumers fetch the snapshot
// themselves.
type TimelineChanged struct {
	SessionID string          `json:"session_id"`
	Revision  uint64          `json:"revision"`
	Kind      chat.ChangeKind `json:"kind"`
	Length    int             `json:"length"`
}

// TimelinePublisher publishes timeline changes to the bus.
type TimelinePublisher struct {
	pub   message.Publisher
	topic string
}

func NewTimelinePublisher(pub message.Publisher) *TimelinePublisher {
	return &TimelinePublisher{pub: pub, topic: TopicTimeline}
}

func (p *TimelinePublisher) PublishChange(_ context.Context, sessionID string, ch chat.Change) error {
	if p == nil || p.pub == nil {
		return nil
	}
	payload, err := json.Marshal(TimelineChanged{
		SessionID: sessionID,
		Revision:  ch.Revision,
		Kind:      ch.Kind,
		Length:    ch.Length,
	})
	if err != nil {
		return errors.Wrap(err, "encode timeline change")
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("session_id", sessionID)
	msg.Metadata.Set("revision", strconv.FormatUint(ch.Revision, 10))
	if err := p.pub.Publish(p.topic, msg); err != nil {
		return errors.Wrap(err, "publish timeline change")
	}
	return nil
}

func DecodeTimelineChanged(msg *message.Message) (*TimelineChanged, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}
	var ev TimelineChanged
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return nil, errors.Wrap(err, "decode timeline change")
	}
	return &ev, nil
}
