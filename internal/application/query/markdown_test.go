package query

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kb-assistant-api/internal/domain/entity"
)

func TestRenderMarkdownWithSources(t *testing.T) {
	page := int64(3)
	answer := &entity.StructuredAnswer{
		AnswerMD:   "The lease expires in June.",
		Intent:     entity.IntentKnowledgeBase,
		AnswerType: entity.AnswerTypeDirect,
		Citations: []entity.Citation{
			{FileID: "f1", FileName: "lease.txt", Page: &page, Quote: "expires in\nJune"},
		},
	}

	md := RenderMarkdown(answer)
	assert.True(t, strings.HasPrefix(md, "**Answer:**\n\n"))
	assert.Contains(t, md, "The lease expires in June.")
	assert.Contains(t, md, "**Sources:**")
	// 引用名、页码、单行化的引文
	assert.Contains(t, md, "- lease.txt (p. 3): “expires in June”")
}

func TestRenderMarkdownRefusedHasNoSources(t *testing.T) {
	answer := entity.NewRefusedAnswer("I cannot answer that from your documents.", entity.RefusalNotInCorpus)

	md := RenderMarkdown(answer)
	assert.True(t, strings.HasPrefix(md, "**Answer:**"))
	assert.NotContains(t, md, "**Sources:**")
}

func TestRenderMarkdownDedupesSourcesByName(t *testing.T) {
	answer := &entity.StructuredAnswer{
		AnswerMD:   "Both chunks come from the same file.",
		Intent:     entity.IntentKnowledgeBase,
		AnswerType: entity.AnswerTypeDirect,
		Citations: []entity.Citation{
			{FileID: "f1", FileName: "report.txt"},
			{FileID: "f1", FileName: "report.txt"},
			{FileID: "f2", FileName: "notes.txt"},
		},
	}

	md := RenderMarkdown(answer)
	assert.Equal(t, 1, strings.Count(md, "- report.txt"))
	assert.Equal(t, 1, strings.Count(md, "- notes.txt"))
}

func TestRenderMarkdownFallsBackToFileID(t *testing.T) {
	answer := &entity.StructuredAnswer{
		AnswerMD:   "Answer text.",
		Intent:     entity.IntentKnowledgeBase,
		AnswerType: entity.AnswerTypeDirect,
		Citations:  []entity.Citation{{FileID: "f1"}},
	}

	md := RenderMarkdown(answer)
	assert.Contains(t, md, "- f1")
}

func TestRenderMarkdownTruncatesLongQuotes(t *testing.T) {
	long := strings.Repeat("x", 500)
	answer := &entity.StructuredAnswer{
		AnswerMD:   "Answer.",
		Intent:     entity.IntentKnowledgeBase,
		AnswerType: entity.AnswerTypeDirect,
		Citations:  []entity.Citation{{FileID: "f1", FileName: "big.txt", Quote: long}},
	}

	md := RenderMarkdown(answer)
	require.Contains(t, md, "…")
	assert.NotContains(t, md, long)
}
