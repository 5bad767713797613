package discovery

import (
	"bufio"
	"encoding/json"
	"os"
	"strings"

	"agentdeck-backend/types"
)

// Default per-million-token rates used when no model-specific pricing applies.
const (
	defaultInputRate      = 3.0
	defaultOutputRate     = 15.0
	defaultCacheWriteRate = 3.75
	defaultCacheReadRate  = 0.30
)

type usageRecord struct {
	Type    string `json:"type"`
	Message struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens              int64 `json:"input_tokens"`
			OutputTokens             int64 `json:"output_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// SessionTokenUsage sums token usage across a transcript and estimates cost.
func SessionTokenUsage(path string) (types.TokenUsage, error) {
	var total types.TokenUsage

	f, err := os.Open(path)
	if err != nil {
		return total, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxTranscriptLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec usageRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Type != "assistant" {
			continue
		}
		u := rec.Message.Usage
		total.InputTokens += u.InputTokens
		total.OutputTokens += u.OutputTokens
		total.CacheCreationInputTokens += u.CacheCreationInputTokens
		total.CacheReadInputTokens += u.CacheReadInputTokens
	}
	if err := sc.Err(); err != nil {
		return total, err
	}

	total.CostUSD = float64(total.InputTokens)/1e6*defaultInputRate +
		float64(total.OutputTokens)/1e6*defaultOutputRate +
		float64(total.CacheCreationInputTokens)/1e6*defaultCacheWriteRate +
		float64(total.CacheReadInputTokens)/1e6*defaultCacheReadRate
	return total, nil
}

// SessionModel returns the model id recorded by the transcript's first
// assistant message, or "" when none is present.
func SessionModel(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxTranscriptLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec usageRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Type == "assistant" && rec.Message.Model != "" {
			return rec.Message.Model, nil
		}
	}
	return "", sc.Err()
}
