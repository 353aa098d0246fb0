// Package protocol provides shared data structures used across Conduit
// components. These types can be imported by external tools and extensions.
package protocol

import "context"

// Delegate is the execution contract every orchestration layer builds on.
// A delegate accepts a plain-language instruction and carries it out
// against whatever backends it controls.
//
// Instructions may begin with a restriction directive of the form
// "[Use only NAME MCP server]" which limits tool use to a single backend.
type Delegate interface {
	// Execute runs an instruction to completion and returns the full
	// response text.
	Execute(ctx context.Context, instruction string) (string, error)

	// Stream runs an instruction and emits response fragments as they
	// become available. Implementations must call emit from a single
	// goroutine and return only after the final fragment.
	Stream(ctx context.Context, instruction string, emit ChunkFunc) error
}

// Chunk is a single fragment of streamed output. Exactly one of Text or
// Status is set: Text carries response content, Status carries progress
// notes that callers may surface or drop.
type Chunk struct {
	Text   string `json:"text,omitempty"`
	Status string `json:"status,omitempty"`
}

// ChunkFunc receives streamed fragments in order.
type ChunkFunc func(Chunk)

// TextChunk wraps response content as a Chunk.
func TextChunk(s string) Chunk { return Chunk{Text: s} }

// StatusChunk wraps a progress note as a Chunk.
func StatusChunk(s string) Chunk { return Chunk{Status: s} }

// RestrictionPrefix builds the directive that limits a delegate to one
// backend. An empty or "all" server name produces no directive.
func RestrictionPrefix(server string) string {
	if server == "" || server == "all" {
		return ""
	}
	return "[Use only " + server + " MCP server] "
}
