// Package token provides token counting and window splitting for budget
// accounting and embedding input chunking.
package token

import (
	"log/slog"
	"math"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens and splits text into token-bounded windows.
type Counter interface {
	Count(text string) int
	Split(text string, maxTokens int) []string
}

// ForEncoding returns a tiktoken-backed counter for the named encoding,
// falling back to the word-count estimator when the encoding cannot be
// loaded (e.g. offline). An empty name selects the estimator directly.
func ForEncoding(encoding string) Counter {
	if encoding == "" {
		return Estimator{}
	}
	c, err := NewTiktoken(encoding)
	if err != nil {
		slog.Warn("token: encoding unavailable, using estimator",
			"encoding", encoding, "error", err)
		return Estimator{}
	}
	return c
}

// NewTiktoken returns a counter backed by the named tiktoken encoding.
func NewTiktoken(encoding string) (Counter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &tiktokenCounter{enc: enc}, nil
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

func (c *tiktokenCounter) Split(text string, maxTokens int) []string {
	if maxTokens <= 0 || text == "" {
		return nil
	}
	ids := c.enc.Encode(text, nil, nil)
	var out []string
	for start := 0; start < len(ids); start += maxTokens {
		end := start + maxTokens
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, c.enc.Decode(ids[start:end]))
	}
	return out
}

// Estimator approximates token counts from whitespace-separated words.
// English text averages roughly 1.3 tokens per word.
type Estimator struct{}

const tokensPerWord = 1.3

func (Estimator) Count(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * tokensPerWord))
}

func (Estimator) Split(text string, maxTokens int) []string {
	if maxTokens <= 0 || text == "" {
		return nil
	}
	words := strings.Fields(text)
	perWindow := int(float64(maxTokens) / tokensPerWord)
	if perWindow < 1 {
		perWindow = 1
	}
	var out []string
	for start := 0; start < len(words); start += perWindow {
		end := start + perWindow
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[start:end], " "))
	}
	return out
}
