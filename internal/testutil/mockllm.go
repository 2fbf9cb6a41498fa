package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// MockLLM is a scripted completion model. Responses are selected by
// case-insensitive substring match against the last user message, falling
// back to a fixed answer when nothing matches. Every call is recorded so
// tests can assert on the prompts the orchestrator actually sent.
//
// MockLLM is safe for concurrent use by multiple goroutines.
type MockLLM struct {
	mu       sync.Mutex
	rules    []rule
	fallback string
	calls    []MockCall
}

type rule struct {
	pattern  string
	response string
}

// MockCall records one completion request.
type MockCall struct {
	UserMessage string // last user message text
	System      string // system prompt text
	Response    string // text the mock returned
}

// NewMockLLM creates a mock returning fallback when no rule matches.
func NewMockLLM(fallback string) *MockLLM {
	return &MockLLM{fallback: fallback}
}

// AddResponse maps a user-message substring to a response. Rules are
// checked in registration order; the first match wins.
func (m *MockLLM) AddResponse(pattern, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule{pattern: strings.ToLower(pattern), response: response})
}

// Calls returns a copy of the recorded calls.
func (m *MockLLM) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset drops recorded calls, keeping the rules.
func (m *MockLLM) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// RegisterModel registers the mock under "mock/test-model" and returns
// the model reference.
func (m *MockLLM) RegisterModel(g *genkit.Genkit) ai.Model {
	return genkit.DefineModel(g, "mock/test-model", &ai.ModelOptions{
		Label: "Mock Test Model",
		Supports: &ai.ModelSupports{
			Multiturn:  true,
			SystemRole: true,
		},
	}, m.generate)
}

func (m *MockLLM) generate(ctx context.Context, req *ai.ModelRequest, cb ai.ModelStreamCallback) (*ai.ModelResponse, error) {
	user := lastMessageText(req, ai.RoleUser)
	system := lastMessageText(req, ai.RoleSystem)

	m.mu.Lock()
	response := m.fallback
	lower := strings.ToLower(user)
	for _, r := range m.rules {
		if strings.Contains(lower, r.pattern) {
			response = r.response
			break
		}
	}
	m.calls = append(m.calls, MockCall{UserMessage: user, System: system, Response: response})
	m.mu.Unlock()

	if cb != nil {
		_ = cb(ctx, &ai.ModelResponseChunk{
			Content: []*ai.Part{ai.NewTextPart(response)},
		})
	}

	return &ai.ModelResponse{
		Request: req,
		Message: &ai.Message{
			Role:    ai.RoleModel,
			Content: []*ai.Part{ai.NewTextPart(response)},
		},
	}, nil
}

// lastMessageText returns the text of the newest message with the role.
func lastMessageText(req *ai.ModelRequest, role ai.Role) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == role {
			return req.Messages[i].Text()
		}
	}
	return ""
}

// MockEmbedder produces deterministic vectors. Unknown content hashes to
// a stable normalized vector; SetVector pins exact vectors when a test
// needs precise cosine similarities.
//
// MockEmbedder is safe for concurrent use by multiple goroutines.
type MockEmbedder struct {
	mu     sync.Mutex
	pinned map[string][]float32
	dim    int
}

// NewMockEmbedder creates a mock embedder producing dim-sized vectors.
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{pinned: make(map[string][]float32), dim: dim}
}

// SetVector pins the vector returned for content.
func (e *MockEmbedder) SetVector(content string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pinned[content] = vec
}

// RegisterEmbedder registers the mock under "mock/test-embedder".
func (e *MockEmbedder) RegisterEmbedder(g *genkit.Genkit) ai.Embedder {
	return genkit.DefineEmbedder(g, "mock/test-embedder", &ai.EmbedderOptions{
		Label:      "Mock Test Embedder",
		Dimensions: e.dim,
	}, e.embed)
}

// Embed implements the embedder surface directly so the mock drops into
// consumer-defined Embedder interfaces without a Genkit registry.
func (e *MockEmbedder) Embed(ctx context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	return e.embed(ctx, req)
}

func (e *MockEmbedder) embed(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	embeddings := make([]*ai.Embedding, len(req.Input))
	for i, doc := range req.Input {
		embeddings[i] = &ai.Embedding{Embedding: e.vectorFor(documentText(doc))}
	}
	return &ai.EmbedResponse{Embeddings: embeddings}, nil
}

func (e *MockEmbedder) vectorFor(content string) []float32 {
	e.mu.Lock()
	vec, ok := e.pinned[content]
	e.mu.Unlock()
	if ok {
		return vec
	}
	return hashVector(content, e.dim)
}

// documentText concatenates the text parts of a document.
func documentText(doc *ai.Document) string {
	var sb strings.Builder
	for _, p := range doc.Content {
		if p.Kind == ai.PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// hashVector derives a normalized vector from the SHA-256 of content, so
// equal content always embeds identically.
func hashVector(content string, dim int) []float32 {
	digest := sha256.Sum256([]byte(content))
	vec := make([]float32, dim)

	var norm float64
	for i := range vec {
		off := (i * 4) % len(digest)
		bits := binary.LittleEndian.Uint32([]byte{
			digest[off], digest[(off+1)%32], digest[(off+2)%32], digest[(off+3)%32],
		})
		v := (float64(bits)/float64(math.MaxUint32))*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}

	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}
