package storage

import (
	"errors"
	"sync"
)

// ErrContentConsumed is returned when fetched content is consumed a second time
var ErrContentConsumed = errors.New("fetched content already consumed")

// FetchedContent is a fully received dataset body. It is handed to exactly
// one consumer; after Consume it no longer references the bytes.
type FetchedContent struct {
	mu          sync.Mutex
	data        []byte
	length      int64
	consumed    bool
	ContentType string
	SourceURL   string
}

// NewFetchedContent wraps data received from sourceURL.
func NewFetchedContent(data []byte, contentType, sourceURL string) *FetchedContent {
	return &FetchedContent{
		data:        data,
		length:      int64(len(data)),
		ContentType: contentType,
		SourceURL:   sourceURL,
	}
}

// Len returns the observed length of the content.
func (c *FetchedContent) Len() int64 {
	return c.length
}

// Consume transfers ownership of the bytes to the caller.
func (c *FetchedContent) Consume() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.consumed {
		return nil, ErrContentConsumed
	}
	data := c.data
	c.data = nil
	c.consumed = true
	return data, nil
}
