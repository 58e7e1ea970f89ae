// Package query 实现问答流水线：意图路由、混合检索、重排、结构化合成与目录兜底
package query

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"kb-assistant-api/internal/domain/entity"
)

// BM25 参数，常用默认值
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// LexicalIndex 基于 BM25 的进程内关键词索引
// 在查询时从用户工件即席构建，节点量级为个人文档库，够用
type LexicalIndex struct {
	nodes     []*entity.Node
	docTokens [][]string
	docFreq   map[string]int
	avgDocLen float64
}

// NewLexicalIndex 对节点集合构建关键词索引
func NewLexicalIndex(nodes []*entity.Node) *LexicalIndex {
	idx := &LexicalIndex{
		nodes:     nodes,
		docTokens: make([][]string, len(nodes)),
		docFreq:   make(map[string]int),
	}

	totalLen := 0
	for i, n := range nodes {
		tokens := tokenize(n.Text)
		idx.docTokens[i] = tokens
		totalLen += len(tokens)

		seen := make(map[string]bool, len(tokens))
		for _, t := range tokens {
			if !seen[t] {
				seen[t] = true
				idx.docFreq[t]++
			}
		}
	}
	if len(nodes) > 0 {
		idx.avgDocLen = float64(totalLen) / float64(len(nodes))
	}
	return idx
}

// Search 返回按 BM25 得分降序的前 topK 个节点
// 得分归一化到 [0,1]，便于与向量相似度加权合并
func (idx *LexicalIndex) Search(query string, topK int) []*entity.Node {
	if idx == nil || len(idx.nodes) == 0 || topK <= 0 {
		return nil
	}

	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}

	type scored struct {
		node  *entity.Node
		score float64
	}
	candidates := make([]scored, 0, len(idx.nodes))
	n := float64(len(idx.nodes))

	for i, node := range idx.nodes {
		tf := make(map[string]int, len(idx.docTokens[i]))
		for _, t := range idx.docTokens[i] {
			tf[t]++
		}
		docLen := float64(len(idx.docTokens[i]))

		score := 0.0
		for _, q := range queryTokens {
			f := float64(tf[q])
			if f == 0 {
				continue
			}
			df := float64(idx.docFreq[q])
			idf := math.Log(1 + (n-df+0.5)/(df+0.5))
			denom := f + bm25K1*(1-bm25B+bm25B*docLen/idx.avgDocLen)
			score += idf * f * (bm25K1 + 1) / denom
		}
		if score > 0 {
			candidates = append(candidates, scored{node: node, score: score})
		}
	}

	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	maxScore := candidates[0].score
	out := make([]*entity.Node, 0, len(candidates))
	for _, c := range candidates {
		node := *c.node
		node.Score = c.score / maxScore
		out = append(out, &node)
	}
	return out
}

// tokenize 小写化并按非字母数字切分
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > 1 || unicode.IsNumber(rune(f[0])) {
			out = append(out, f)
		}
	}
	return out
}
