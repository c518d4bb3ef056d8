package rag

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"google.golang.org/genai"

	"github.com/episcope/episcope/internal/log"
)

// GenkitGenerator answers through a Gemini model registered on a Genkit
// instance.
type GenkitGenerator struct {
	g           *genkit.Genkit
	modelName   string
	temperature float32
	logger      log.Logger
}

func NewGenkitGenerator(g *genkit.Genkit, modelName string, temperature float32, logger log.Logger) *GenkitGenerator {
	return &GenkitGenerator{
		g:           g,
		modelName:   modelName,
		temperature: temperature,
		logger:      logger,
	}
}

func (gg *GenkitGenerator) Generate(ctx context.Context, system, prompt string, history []Message) (string, error) {
	opts := []ai.GenerateOption{
		ai.WithModelName("googleai/" + gg.modelName),
		ai.WithSystem(system),
		ai.WithConfig(&genai.GenerateContentConfig{
			Temperature: &gg.temperature,
		}),
	}
	if msgs := historyMessages(history); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	opts = append(opts, ai.WithPrompt(prompt))

	resp, err := genkit.Generate(ctx, gg.g, opts...)
	if err != nil {
		return "", fmt.Errorf("generating with %s: %w", gg.modelName, err)
	}
	return resp.Text(), nil
}

// historyMessages converts prior turns to model messages; unknown roles are
// treated as user turns.
func historyMessages(history []Message) []*ai.Message {
	msgs := make([]*ai.Message, 0, len(history))
	for _, m := range history {
		if m.Role == RoleModel {
			msgs = append(msgs, ai.NewModelMessage(ai.NewTextPart(m.Text)))
			continue
		}
		msgs = append(msgs, ai.NewUserMessage(ai.NewTextPart(m.Text)))
	}
	return msgs
}
