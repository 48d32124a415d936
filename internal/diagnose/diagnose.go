// Package diagnose summarizes a failed build task's log tail into a
// short, human-readable diagnosis using the Anthropic API. It is
// optional: a nil *Client (no API key configured) is always safe to
// call and simply means no diagnosis is attached.
package diagnose

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"apkforge/internal/apperr"
)

// Client wraps the Anthropic API for Gradle failure triage.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates a diagnosis client with the given API key and model.
// An empty apiKey still produces a usable *Client whose calls will fail
// at request time; callers that want "no diagnosis at all" should keep
// the *Client nil instead.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

const maxLogTail = 8000

func buildPrompt(kind apperr.Kind, logTail string) (system string, user string) {
	system = `You diagnose failed Android Gradle build tasks for an operator reading a task list. Given an error kind and a tail of the build log, return a single short paragraph (2-4 sentences) explaining what most likely went wrong and what the operator should try next. Do not restate the error kind verbatim. Be concrete: name the failing Gradle task, dependency, or resource if it appears in the log. Return plain text only, no markdown fencing.`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Error kind: %s\n\n", kind)
	sb.WriteString("Log tail:\n")
	sb.WriteString(logTail)
	user = sb.String()
	return
}

// Diagnose returns a short prose diagnosis of a failed task given its
// error kind and the tail of its Gradle log. It makes a model call for
// whatever kind it is given; ShouldDiagnose reports which kinds are
// worth one. A nil *Client returns an empty diagnosis and no error.
func (c *Client) Diagnose(ctx context.Context, kind apperr.Kind, logTail string) (string, error) {
	if c == nil {
		return "", nil
	}
	if len(logTail) > maxLogTail {
		logTail = logTail[len(logTail)-maxLogTail:]
	}

	systemPrompt, userPrompt := buildPrompt(kind, logTail)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}

	return strings.TrimSpace(text), nil
}

// ShouldDiagnose reports whether a failed task's error kind is worth an
// AI diagnosis pass: kinds with an already-specific, actionable message
// (timeouts, git safety failures, cancellation) are skipped.
func ShouldDiagnose(kind apperr.Kind) bool {
	switch kind {
	case apperr.GradleExitNonZero, apperr.NoArtifacts:
		return true
	default:
		return false
	}
}
