package extractor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

const systemPrompt = `You extract funding and procurement opportunities (grants, tenders, calls for proposals, RFPs) from government web pages.

Return ONLY a JSON object of the form:
{{"opportunities": [{{"title": "...", "url": "...", "agency": "...", "summary": "...", "category": "...", "amount": "...", "deadline": "YYYY-MM-DD"}}]}}

Rules:
- "title" is required. Omit any other field you cannot find.
- Use absolute URLs when the page gives one; otherwise copy the link as written.
- Only include opportunities that are listed on the page. Do not invent any.
- If the page lists no opportunities, return {{"opportunities": []}}.
- No markdown, no commentary.`

const userPrompt = `Today is {today}.
Page URL: {url}

Page content:
{content}`

// newTemplate builds the chat template shared by the LLM backends.
func newTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(userPrompt),
	)
}

func formatMessages(ctx context.Context, tpl prompt.ChatTemplate, pageURL, content string, now time.Time) ([]*schema.Message, error) {
	msgs, err := tpl.Format(ctx, map[string]any{
		"today":   now.Format("2006-01-02"),
		"url":     pageURL,
		"content": content,
	})
	if err != nil {
		return nil, fmt.Errorf("format prompt: %w", err)
	}
	return msgs, nil
}

// flatten joins chat messages into a single completion prompt for backends
// without a chat API.
func flatten(msgs []*schema.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n\n")
}
