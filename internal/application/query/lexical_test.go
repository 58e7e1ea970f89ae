package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kb-assistant-api/internal/domain/entity"
)

func TestLexicalSearchRanksMatchingDocHigher(t *testing.T) {
	nodes := []*entity.Node{
		testNode("n1", "f1", "The quarterly budget review covers travel expenses and office supplies."),
		testNode("n2", "f2", "Meeting notes about the new hiring process and interview panels."),
		testNode("n3", "f3", "Budget allocation for travel was increased in the budget meeting."),
	}
	idx := NewLexicalIndex(nodes)

	results := idx.Search("travel budget", 10)
	require.NotEmpty(t, results)
	// n3 两个词都命中且 budget 出现两次，应排第一
	assert.Equal(t, "n3", results[0].ID)
}

func TestLexicalSearchNormalizesScores(t *testing.T) {
	nodes := []*entity.Node{
		testNode("n1", "f1", "alpha beta gamma"),
		testNode("n2", "f2", "alpha alpha alpha beta"),
	}
	results := NewLexicalIndex(nodes).Search("alpha", 10)
	require.Len(t, results, 2)

	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}
}

func TestLexicalSearchNoMatch(t *testing.T) {
	nodes := []*entity.Node{testNode("n1", "f1", "completely unrelated content")}
	assert.Empty(t, NewLexicalIndex(nodes).Search("zzzzz", 10))
}

func TestLexicalSearchDoesNotMutateSourceNodes(t *testing.T) {
	node := testNode("n1", "f1", "alpha beta")
	results := NewLexicalIndex([]*entity.Node{node}).Search("alpha", 10)
	require.Len(t, results, 1)
	assert.NotZero(t, results[0].Score)
	assert.Zero(t, node.Score)
}

func TestLexicalSearchTopKTruncation(t *testing.T) {
	nodes := []*entity.Node{
		testNode("n1", "f1", "token once"),
		testNode("n2", "f2", "token token twice"),
		testNode("n3", "f3", "token token token thrice"),
	}
	results := NewLexicalIndex(nodes).Search("token", 2)
	assert.Len(t, results, 2)
}

func TestLexicalSearchEmptyInputs(t *testing.T) {
	assert.Empty(t, NewLexicalIndex(nil).Search("anything", 5))

	nodes := []*entity.Node{testNode("n1", "f1", "some text")}
	assert.Empty(t, NewLexicalIndex(nodes).Search("", 5))
	assert.Empty(t, NewLexicalIndex(nodes).Search("some", 0))
}

func TestTokenize(t *testing.T) {
	// 单字母 token 被丢弃，数字保留
	tokens := tokenize("Hello, World! a File_2 costs $5.")
	assert.Equal(t, []string{"hello", "world", "file", "2", "costs", "5"}, tokens)
}
