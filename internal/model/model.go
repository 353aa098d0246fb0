// Package model provides the planning model interface and clients.
package model

import "context"

// Model is a chat-completion model used for routing and reflection.
type Model interface {
	// Generate runs inference on the model.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// IsAvailable checks if the model is ready.
	IsAvailable() bool

	// Name returns the model identifier.
	Name() string
}
