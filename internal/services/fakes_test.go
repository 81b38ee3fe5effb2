package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{objects: map[string][]byte{}, types: map[string]string{}}
}

func (u *fakeUploader) Upload(_ context.Context, bucket, object, contentType string, data []byte) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return "", u.err
	}
	u.objects[object] = append([]byte(nil), data...)
	u.types[object] = contentType
	return fmt.Sprintf("https://cdn.test/%s/%s", bucket, object), nil
}

func (u *fakeUploader) has(object string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.objects[object]
	return ok
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []RenderCompletedMessage
	err      error
}

func (p *fakePublisher) PublishRenderCompleted(_ context.Context, message RenderCompletedMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, message)
	return fmt.Sprintf("msg-%d", len(p.messages)), nil
}

func (p *fakePublisher) published() []RenderCompletedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]RenderCompletedMessage(nil), p.messages...)
}

func sequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s%03d", prefix, n.Add(1))
	}
}

var errUploadFailed = errors.New("upload failed")
