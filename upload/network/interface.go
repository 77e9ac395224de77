package network

import (
	"context"
)

// Response is a decoded-enough HTTP response: status plus the raw body.
// Transports never interpret the payload, that is the protocol client's job.
type Response struct {
	StatusCode int
	Body       []byte
}

// TransportClient ...
type TransportClient interface {
	PostForm(ctx context.Context, url string, fields map[string]string) (Response, error)
	PostJSON(ctx context.Context, url string, body interface{}) (Response, error)
	GetJSON(ctx context.Context, url string, query map[string]string) (Response, error)
}
