package chat

import (
	"fmt"
	"strings"

	"tenderworks/api_prospector/internal/deepsearch"
	"tenderworks/api_prospector/internal/knowledge"
	"tenderworks/api_prospector/pkg/llm"
)

const SystemPrompt = `You are Prospector, the tender-intelligence assistant.

You answer questions about public-procurement tenders using the user's
uploaded tender documents. You never invent document content: every factual
claim about a tender must come from the retrieved material in the
conversation. If the documents do not cover the question, say so.

Be precise about deadlines, award criteria, eligibility requirements and
monetary amounts. Quote figures exactly as they appear in the source.`

const routingPrompt = `Decide how to answer the user's latest question.

Choose "deep_search" when the question requires reading through the tenant's
tender documents in depth (requirements, deadlines, evaluation criteria,
anything that must be quoted from specific files).

Choose "lookup" when a quick semantic search over the indexed corpus is
enough (general questions, follow-ups on already-retrieved material, or
questions about which tenders exist).`

const deepSearchAnswerPrompt = `Write the final answer to the user's question
using only the citation groups below. Each group lists verbatim quotes found
in one file. Base every claim on these quotes.

In relevant_files, list exactly the files whose quotes you actually used,
with their filenames as given. Do not list files whose group contributed
nothing to the answer.`

const lookupAnswerPrompt = `Answer the user's question using only the
retrieved passages below. If the passages do not contain the answer, say
that the indexed documents do not cover it.`

// maxPromptTokenBudget bounds system prompt + history + user message. Older
// history is trimmed first when the budget is exceeded.
const maxPromptTokenBudget = 6000

func buildPromptMessages(history []Message, userMessage string) []llm.Message {
	messages := []llm.Message{
		{Role: "system", Content: SystemPrompt},
	}

	var filtered []Message
	for _, msg := range history {
		if msg.Role == "" || msg.Content == "" {
			continue
		}
		if msg.Role != "user" && msg.Role != "assistant" {
			continue
		}
		filtered = append(filtered, msg)
	}

	userTokens := llm.EstimateTokens(userMessage)
	systemTokens := llm.EstimateTokens(SystemPrompt)
	budget := maxPromptTokenBudget - systemTokens - userTokens
	if budget < 0 {
		budget = 0
	}

	// Walk from newest to oldest, keeping messages that fit.
	kept := make([]Message, 0, len(filtered))
	used := 0
	for i := len(filtered) - 1; i >= 0; i-- {
		msgTokens := llm.EstimateTokens(filtered[i].Content)
		if used+msgTokens > budget {
			break
		}
		used += msgTokens
		kept = append(kept, filtered[i])
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	for _, msg := range kept {
		messages = append(messages, llm.Message{Role: msg.Role, Content: msg.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: userMessage})

	return messages
}

func buildRoutingMessages(history []Message, userMessage string) []llm.Message {
	messages := buildPromptMessages(history, userMessage)
	return append([]llm.Message{{Role: "system", Content: routingPrompt}}, messages[1:]...)
}

// buildDeepSearchAnswerMessages assembles the synthesis prompt from the
// surviving citation groups. Errored branches contribute nothing.
func buildDeepSearchAnswerMessages(history []Message, userMessage string, results []deepsearch.FileResult) []llm.Message {
	var groups strings.Builder
	for _, result := range results {
		if result.Err != nil {
			continue
		}
		fmt.Fprintf(&groups, "File: %s (id %s)\n", result.Group.Filename, result.Group.FileID)
		if len(result.Group.Citations) == 0 {
			groups.WriteString("- (inspected, nothing relevant found)\n")
		}
		for _, citation := range result.Group.Citations {
			fmt.Fprintf(&groups, "- %q\n", citation)
		}
		groups.WriteString("\n")
	}

	messages := buildPromptMessages(history, userMessage)
	messages[0].Content = SystemPrompt + "\n\n" + deepSearchAnswerPrompt + "\n\nCitation groups:\n" + groups.String()
	return messages
}

func buildLookupAnswerMessages(history []Message, userMessage string, hits []knowledge.Chunk) []llm.Message {
	var passages strings.Builder
	for _, hit := range hits {
		fmt.Fprintf(&passages, "[%s] %s\n\n", hit.Filename, hit.Text)
	}

	messages := buildPromptMessages(history, userMessage)
	messages[0].Content = SystemPrompt + "\n\n" + lookupAnswerPrompt + "\n\nRetrieved passages:\n" + passages.String()
	return messages
}

func truncateTitle(message string, maxRunes int) string {
	runes := []rune(strings.TrimSpace(message))
	if len(runes) <= maxRunes {
		return string(runes)
	}
	return string(runes[:maxRunes-1]) + "…"
}
