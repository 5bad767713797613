package handlers

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/gin-gonic/gin"

	"agentdeck-backend/discovery"
	"agentdeck-backend/types"
)

const (
	// haiku model for quick, cheap summaries
	summaryModel = "claude-haiku-4-5-20251001"
	// Timeout for API call
	summarizeAPITimeout = 15 * time.Second
	// How many transcript messages to include in the prompt
	summaryMessageLimit = 40
	// Per-message text budget in the prompt
	summarySnippetLength = 500
)

// newSummaryClient is swappable in tests.
var newSummaryClient = func() (anthropic.Client, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return anthropic.Client{}, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	return anthropic.NewClient(option.WithAPIKey(apiKey)), nil
}

// SummarizeSession generates a short summary of the session transcript with
// Claude Haiku.
func SummarizeSession(c *gin.Context) {
	sess, ok := Scanner.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	messages, err := discovery.ReadMessages(sess.Path)
	if err != nil {
		log.Printf("Failed to read transcript for session %s: %v", sess.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read transcript"})
		return
	}
	if len(messages) == 0 {
		c.JSON(http.StatusOK, gin.H{"summary": ""})
		return
	}

	client, err := newSummaryClient()
	if err != nil {
		log.Printf("Summarize unavailable: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "summarization is not configured"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), summarizeAPITimeout)
	defer cancel()

	summary, err := callClaudeForSummary(ctx, client, buildSummaryPrompt(sess, messages))
	if err != nil {
		log.Printf("Failed to summarize session %s: %v", sess.ID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "summarization failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// buildSummaryPrompt flattens the tail of the transcript into a compact
// prompt. Tool noise is skipped; only user and assistant text matters.
func buildSummaryPrompt(sess *types.Session, messages []types.SessionMessage) string {
	if len(messages) > summaryMessageLimit {
		messages = messages[len(messages)-summaryMessageLimit:]
	}
	var b strings.Builder
	for _, m := range messages {
		if m.Type != "user" && m.Type != "assistant" {
			continue
		}
		text := transcriptText(m.Message)
		if text == "" {
			continue
		}
		if len(text) > summarySnippetLength {
			text = text[:summarySnippetLength] + "..."
		}
		fmt.Fprintf(&b, "[%s] %s\n", m.Type, text)
	}
	return fmt.Sprintf(`Summarize this AI coding session in 2-3 sentences. Focus on what the user asked for and what was accomplished.
Project: %s

Transcript:
%s
Return ONLY the summary, no preamble.`, sess.ProjectName, b.String())
}

// transcriptText extracts the plain text of a transcript message body, which
// is either a string or a list of content blocks.
func transcriptText(msg map[string]any) string {
	switch content := msg["content"].(type) {
	case string:
		return strings.TrimSpace(content)
	case []any:
		var parts []string
		for _, blk := range content {
			block, ok := blk.(map[string]any)
			if !ok || block["type"] != "text" {
				continue
			}
			if text, ok := block["text"].(string); ok {
				parts = append(parts, text)
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	}
	return ""
}

func callClaudeForSummary(ctx context.Context, client anthropic.Client, prompt string) (string, error) {
	message, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(summaryModel),
		MaxTokens: 300,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("API call failed: %w", err)
	}
	if len(message.Content) == 0 {
		return "", fmt.Errorf("empty response from Claude")
	}
	for _, block := range message.Content {
		if block.Type == "text" {
			return strings.TrimSpace(block.Text), nil
		}
	}
	return "", fmt.Errorf("no text content in response")
}
