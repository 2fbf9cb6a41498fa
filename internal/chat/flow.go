package chat

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/core"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"

	"github.com/feedbackloop/insight/internal/search"
)

// Input is the input for the chat flow.
type Input struct {
	OrgID     string `json:"orgId"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	TopK      int    `json:"topK,omitempty"`
	Diversify bool   `json:"diversify,omitempty"`

	// Optional conjunctive filters over the feedback corpus. Within one
	// list a passage matches any of the values.
	Sources       []string `json:"sources,omitempty"`
	Categories    []string `json:"categories,omitempty"`
	Sentiments    []string `json:"sentiments,omitempty"`
	Segments      []string `json:"segments,omitempty"`
	MinSimilarity *float64 `json:"minSimilarity,omitempty"`
}

// StreamChunk is the streaming output type for the chat flow.
// Each chunk carries one token of the generated answer.
type StreamChunk struct {
	Text string `json:"text"`
}

// FlowName is the registered name of the chat flow in Genkit.
const FlowName = "insight/chat"

// Flow is the type alias for the chat streaming flow.
type Flow = core.Flow[Input, *Response, StreamChunk]

// DefineFlow registers the chat turn as a Genkit streaming flow, giving
// DevUI tracing and a typed schema on top of the orchestrator.
//
// DefineFlow registers a global flow; call it once at startup.
func (o *Orchestrator) DefineFlow(g *genkit.Genkit) *Flow {
	return genkit.DefineStreamingFlow(g, FlowName,
		func(ctx context.Context, input Input, streamCb func(context.Context, StreamChunk) error) (*Response, error) {
			sessionID, err := uuid.Parse(input.SessionID)
			if err != nil {
				return nil, fmt.Errorf("invalid session id: %w", err)
			}

			req := Request{
				OrgID:     input.OrgID,
				UserID:    input.UserID,
				SessionID: sessionID,
				Message:   input.Message,
				TopK:      input.TopK,
				Diversify: input.Diversify,
				Filter: search.Filter{
					Sources:       input.Sources,
					Categories:    input.Categories,
					Sentiments:    input.Sentiments,
					Segments:      input.Segments,
					MinSimilarity: input.MinSimilarity,
				},
			}

			var callback StreamCallback
			if streamCb != nil {
				callback = func(ctx context.Context, token string) error {
					return streamCb(ctx, StreamChunk{Text: token})
				}
			}

			return o.ChatStream(ctx, req, callback)
		},
	)
}
