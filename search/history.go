package search

import (
	"github.com/brunobiangulo/graphquery/llm"
	"github.com/brunobiangulo/graphquery/token"
)

// Turn is one conversation entry.
type Turn struct {
	Role    string
	Content string
}

// QATurn groups one user turn with the assistant turns that followed it.
type QATurn struct {
	UserQuery        Turn
	AssistantAnswers []Turn
}

// ConversationHistory is a bounded, insertion-ordered turn log. When the
// bound is exceeded the eldest turn is discarded. A zero bound means
// unbounded. The zero value is ready to use; a nil receiver behaves as an
// empty history.
type ConversationHistory struct {
	turns     []Turn
	maxLength int
}

// NewConversationHistory creates a history bounded to maxLength turns.
func NewConversationHistory(maxLength int) *ConversationHistory {
	return &ConversationHistory{maxLength: maxLength}
}

// HistoryFromMessages builds an unbounded history from chat messages.
func HistoryFromMessages(msgs []llm.Message) *ConversationHistory {
	h := &ConversationHistory{}
	for _, m := range msgs {
		h.AddTurn(m.Role, m.Content)
	}
	return h
}

// AddTurn appends a turn, evicting the eldest when over the bound.
func (h *ConversationHistory) AddTurn(role, content string) {
	h.turns = append(h.turns, Turn{Role: role, Content: content})
	if h.maxLength > 0 && len(h.turns) > h.maxLength {
		h.turns = h.turns[len(h.turns)-h.maxLength:]
	}
}

// Len returns the number of retained turns.
func (h *ConversationHistory) Len() int {
	if h == nil {
		return 0
	}
	return len(h.turns)
}

// Turns returns the retained turns, oldest first.
func (h *ConversationHistory) Turns() []Turn {
	if h == nil {
		return nil
	}
	return h.turns
}

// Messages converts the retained turns to chat messages.
func (h *ConversationHistory) Messages() []llm.Message {
	if h == nil {
		return nil
	}
	msgs := make([]llm.Message, 0, len(h.turns))
	for _, t := range h.turns {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	return msgs
}

// QATurns groups each user turn with its following assistant turns.
// Assistant turns with no preceding user turn are dropped; a user turn
// followed by another user turn closes with no answers.
func (h *ConversationHistory) QATurns() []QATurn {
	if h == nil {
		return nil
	}
	var out []QATurn
	var current *QATurn
	for _, t := range h.turns {
		switch t.Role {
		case llm.RoleUser:
			if current != nil {
				out = append(out, *current)
			}
			current = &QATurn{UserQuery: t}
		case llm.RoleAssistant:
			if current != nil {
				current.AssistantAnswers = append(current.AssistantAnswers, t)
			}
		}
	}
	if current != nil {
		out = append(out, *current)
	}
	return out
}

// UserTurns returns the contents of the most recent maxN user turns,
// oldest first within that window. maxN <= 0 returns all user turns.
func (h *ConversationHistory) UserTurns(maxN int) []string {
	if h == nil {
		return nil
	}
	var all []string
	for _, t := range h.turns {
		if t.Role == llm.RoleUser {
			all = append(all, t.Content)
		}
	}
	if maxN > 0 && len(all) > maxN {
		all = all[len(all)-maxN:]
	}
	return all
}

// HistoryContextOptions controls ConversationHistory.BuildContext.
type HistoryContextOptions struct {
	MaxQATurns           int
	MaxTokens            int
	RecencyBias          bool
	IncludeUserTurnsOnly bool
	ColumnDelimiter      string
	ContextName          string
	Counter              token.Counter
}

// BuildContext renders the history as a token-budgeted table with a
// "-----{context_name}-----" banner and turn|content rows, stopping at the
// last snapshot that fits the budget.
func (h *ConversationHistory) BuildContext(opts HistoryContextOptions) (string, *Table) {
	if opts.ColumnDelimiter == "" {
		opts.ColumnDelimiter = DefaultColumnDelimiter
	}
	if opts.ContextName == "" {
		opts.ContextName = "Conversation History"
	}
	if opts.Counter == nil {
		opts.Counter = token.Estimator{}
	}

	columns := []string{"turn", "content"}
	if h.Len() == 0 {
		return "", &Table{Columns: columns}
	}

	// Keep the most recent QA turns regardless of presentation order.
	qaTurns := h.QATurns()
	if opts.MaxQATurns > 0 && len(qaTurns) > opts.MaxQATurns {
		qaTurns = qaTurns[len(qaTurns)-opts.MaxQATurns:]
	}
	if opts.RecencyBias {
		reversed := make([]QATurn, 0, len(qaTurns))
		for i := len(qaTurns) - 1; i >= 0; i-- {
			reversed = append(reversed, qaTurns[i])
		}
		qaTurns = reversed
	}

	var rows [][]string
	for _, qa := range qaTurns {
		rows = append(rows, []string{llm.RoleUser, qa.UserQuery.Content})
		if opts.IncludeUserTurnsOnly {
			continue
		}
		for _, a := range qa.AssistantAnswers {
			rows = append(rows, []string{llm.RoleAssistant, a.Content})
		}
	}

	text, table := packRows(opts.ContextName, columns, rows,
		opts.ColumnDelimiter, opts.MaxTokens, opts.Counter)
	return text, table
}
