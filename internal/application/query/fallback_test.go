package query

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kb-assistant-api/internal/domain/entity"
)

func testCatalog(n int) []entity.CatalogItem {
	items := make([]entity.CatalogItem, 0, n)
	names := []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta", "eta"}
	for i := 0; i < n; i++ {
		items = append(items, entity.CatalogItem{
			Name: names[i%len(names)],
			URL:  "https://drive.google.com/file/d/id-" + names[i%len(names)] + "/view",
		})
	}
	return items
}

func modelAnswer(md string) *entity.StructuredAnswer {
	return &entity.StructuredAnswer{
		AnswerMD:   md,
		Intent:     entity.IntentKnowledgeBase,
		AnswerType: entity.AnswerTypeListDocuments,
	}
}

func TestFallbackOverridesIncompleteAllEnumeration(t *testing.T) {
	f := NewCatalogFallback(5)
	catalog := testCatalog(5)
	// 模型只列了 3 条，但用户要求 all
	answer := modelAnswer("- alpha\n- beta\n- gamma")

	got := f.Apply(context.Background(), "list all documents", answer, catalog)
	require.NotSame(t, answer, got)
	assert.Equal(t, 5, countBullets(got.AnswerMD))
	assert.Equal(t, entity.AnswerTypeListDocuments, got.AnswerType)
	assert.Contains(t, got.AnswerMD, "[alpha](https://drive.google.com/file/d/id-alpha/view)")
}

func TestFallbackKeepsCompleteAllEnumeration(t *testing.T) {
	f := NewCatalogFallback(5)
	catalog := testCatalog(3)
	answer := modelAnswer("- alpha\n- beta\n- gamma")

	got := f.Apply(context.Background(), "show me all my documents", answer, catalog)
	assert.Same(t, answer, got)
}

func TestFallbackHonorsExplicitCount(t *testing.T) {
	f := NewCatalogFallback(5)
	catalog := testCatalog(7)

	// top 2 但模型给了 3 条：精确不匹配，兜底渲染 2 条
	answer := modelAnswer("- alpha\n- beta\n- gamma")
	got := f.Apply(context.Background(), "give me the top 2 documents", answer, catalog)
	require.NotSame(t, answer, got)
	assert.Equal(t, 2, countBullets(got.AnswerMD))

	// top 3 且模型给了 3 条：通过
	answer = modelAnswer("- alpha\n- beta\n- gamma")
	got = f.Apply(context.Background(), "give me the top 3 documents", answer, catalog)
	assert.Same(t, answer, got)
}

func TestFallbackCountLargerThanCatalogClamps(t *testing.T) {
	f := NewCatalogFallback(5)
	catalog := testCatalog(2)

	answer := modelAnswer("- alpha")
	got := f.Apply(context.Background(), "list the top 10 documents", answer, catalog)
	require.NotSame(t, answer, got)
	assert.Equal(t, 2, countBullets(got.AnswerMD))
}

func TestFallbackLenientWithoutExplicitCount(t *testing.T) {
	f := NewCatalogFallback(5)
	catalog := testCatalog(7)

	// 无显式数量：条目数对不上也放行，只要非零
	answer := modelAnswer("- alpha\n- beta")
	got := f.Apply(context.Background(), "list some documents", answer, catalog)
	assert.Same(t, answer, got)
}

func TestFallbackEngagesOnZeroBullets(t *testing.T) {
	f := NewCatalogFallback(5)
	catalog := testCatalog(7)

	answer := modelAnswer("I found no documents to list.")
	got := f.Apply(context.Background(), "list my documents", answer, catalog)
	require.NotSame(t, answer, got)
	// 默认上限 5
	assert.Equal(t, 5, countBullets(got.AnswerMD))
}

func TestFallbackEngagesOnRefusal(t *testing.T) {
	f := NewCatalogFallback(5)
	catalog := testCatalog(3)

	refused := entity.NewRefusedAnswer("cannot list", entity.RefusalNotInCorpus)
	got := f.Apply(context.Background(), "list my documents", refused, catalog)
	require.NotSame(t, refused, got)
	assert.False(t, got.Refused)
	assert.Equal(t, 3, countBullets(got.AnswerMD))
}

func TestFallbackPassthroughOnEmptyCatalog(t *testing.T) {
	f := NewCatalogFallback(5)
	answer := modelAnswer("nothing here")

	got := f.Apply(context.Background(), "list all documents", answer, nil)
	assert.Same(t, answer, got)
}

func TestCountBullets(t *testing.T) {
	md := strings.Join([]string{
		"Intro line",
		"- dash item",
		"* star item",
		"+ plus item",
		"1. numbered",
		"2) parenthesized",
		"  - indented",
		"-no space, not a bullet",
	}, "\n")
	assert.Equal(t, 6, countBullets(md))
}
