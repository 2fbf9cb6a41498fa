package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/feedbackloop/insight/internal/search"
	"github.com/feedbackloop/insight/internal/session"
)

// ModelClient is the completion surface the orchestrator needs.
// *GenkitModel is the production implementation; tests substitute fakes.
type ModelClient interface {
	Generate(ctx context.Context, system string, history []session.Message, message string, stream StreamCallback) (string, error)
}

// GenkitModel calls the configured completion model through Genkit.
type GenkitModel struct {
	g         *genkit.Genkit
	modelName string // Provider-qualified (e.g. "googleai/gemini-2.5-flash")
}

// NewGenkitModel creates a model client.
func NewGenkitModel(g *genkit.Genkit, modelName string) (*GenkitModel, error) {
	if g == nil {
		return nil, fmt.Errorf("genkit instance is required")
	}
	return &GenkitModel{g: g, modelName: modelName}, nil
}

// Generate runs one completion. When stream is non-nil each text chunk is
// forwarded to it as the model produces output.
func (m *GenkitModel) Generate(ctx context.Context, system string, history []session.Message, message string, stream StreamCallback) (string, error) {
	messages := make([]*ai.Message, 0, len(history)+1)
	for _, msg := range history {
		switch msg.Role {
		case session.RoleAssistant:
			messages = append(messages, ai.NewModelMessage(ai.NewTextPart(msg.Content)))
		default:
			messages = append(messages, ai.NewUserMessage(ai.NewTextPart(msg.Content)))
		}
	}
	messages = append(messages, ai.NewUserMessage(ai.NewTextPart(message)))

	opts := []ai.GenerateOption{
		ai.WithSystem(system),
		ai.WithMessages(messages...),
	}
	if m.modelName != "" {
		opts = append(opts, ai.WithModelName(m.modelName))
	}
	if stream != nil {
		opts = append(opts, ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
			for _, part := range chunk.Content {
				if part.Text != "" {
					if err := stream(ctx, part.Text); err != nil {
						return err
					}
				}
			}
			return nil
		}))
	}

	resp, err := genkit.Generate(ctx, m.g, opts...)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// buildSystemPrompt assembles the system prompt from org context and the
// retrieved passages. Passages are tagged so the model can cite them.
func buildSystemPrompt(orgContext string, passages []search.Passage) string {
	var sb strings.Builder
	sb.WriteString(orgContext)

	if len(passages) == 0 {
		sb.WriteString("\n\nNo feedback excerpts matched this question. Say so rather than inventing feedback.")
		return sb.String()
	}

	sb.WriteString("\n\nFeedback excerpts, most relevant first:")
	for i, p := range passages {
		sb.WriteString(fmt.Sprintf("\n[%d] (%s", i+1, p.Source))
		if p.Category != "" {
			sb.WriteString(", " + p.Category)
		}
		if p.Sentiment != "" {
			sb.WriteString(", " + p.Sentiment)
		}
		sb.WriteString(") ")
		sb.WriteString(p.Content)
	}
	sb.WriteString("\n\nAnswer using only these excerpts. Cite them as [1], [2] where relevant.")
	return sb.String()
}

// Title generation constants.
const (
	titleGenerationTimeout = 5 * time.Second
	titleInputMaxRunes     = 500
	titleMaxLength         = 60
)

const titleSystemPrompt = "Generate a concise title (max 60 characters) for a chat session " +
	"based on the user's first message. The title should capture the main topic or intent. " +
	"Return ONLY the title text, no quotes, no explanations, no punctuation at the end."

// GenerateTitle generates a concise session title from the user's first
// message. Returns empty string on failure (best-effort).
func (o *Orchestrator) GenerateTitle(ctx context.Context, userMessage string) string {
	ctx, cancel := context.WithTimeout(ctx, titleGenerationTimeout)
	defer cancel()

	inputRunes := []rune(userMessage)
	if len(inputRunes) > titleInputMaxRunes {
		userMessage = string(inputRunes[:titleInputMaxRunes]) + "..."
	}

	title, err := o.model.Generate(ctx, titleSystemPrompt, nil, userMessage, nil)
	if err != nil {
		o.logger.Debug("title generation failed", "error", err)
		return ""
	}

	title = strings.TrimSpace(title)
	if title == "" {
		return ""
	}

	titleRunes := []rune(title)
	if len(titleRunes) > titleMaxLength {
		title = string(titleRunes[:titleMaxLength-3]) + "..."
	}
	return title
}
