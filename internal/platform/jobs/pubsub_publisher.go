package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/dynofield/api/internal/services"
)

// PubSubRenderPublisher announces completed renders on a Pub/Sub topic.
type PubSubRenderPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubRenderPublisher constructs a Pub/Sub backed render event publisher.
func NewPubSubRenderPublisher(topic *pubsub.Topic) (*PubSubRenderPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub render publisher: topic is required")
	}
	return &PubSubRenderPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishRenderCompleted sends the render summary and waits for the server id.
func (p *PubSubRenderPublisher) PublishRenderCompleted(ctx context.Context, message services.RenderCompletedMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub render publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal render event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "renderId", message.RenderID)
	setAttr(attrs, "templateId", message.TemplateID)
	setAttr(attrs, "batchId", message.BatchID)
	setAttr(attrs, "backend", message.Backend)
	attrs["diagnostics"] = strconv.Itoa(message.DiagnosticsCount)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish render event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
