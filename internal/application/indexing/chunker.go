package indexing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"kb-assistant-api/internal/domain/entity"
)

const (
	defaultChunkSizeRunes    = 512
	defaultChunkOverlapRunes = 60

	// extractionPlainText 文本直接抽取（OCR 等其他方式由外部采集器产出）
	extractionPlainText = "plain_text"
)

// Chunker 将文档切分为检索节点
type Chunker struct {
	chunkSizeRunes    int
	chunkOverlapRunes int
}

// NewChunker 创建切分器
func NewChunker(chunkSize, chunkOverlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSizeRunes
	}
	if chunkOverlap < 0 {
		chunkOverlap = defaultChunkOverlapRunes
	}
	return &Chunker{
		chunkSizeRunes:    chunkSize,
		chunkOverlapRunes: chunkOverlap,
	}
}

// BuildNodes 切分文档正文并生成节点
// 节点 ID 由 (file, revision, page, extraction, seq) 确定性派生：
// 同一修订重复索引产生相同 ID，upsert 幂等
func (c *Chunker) BuildNodes(userID string, doc *entity.Document) []*entity.Node {
	chunks := splitByRunes(doc.Content, c.chunkSizeRunes, c.chunkOverlapRunes)
	if len(chunks) == 0 {
		return nil
	}

	nodes := make([]*entity.Node, 0, len(chunks))
	for seq, chunk := range chunks {
		nodes = append(nodes, &entity.Node{
			ID:               NodeID(doc.FileID, doc.RevisionID, 1, extractionPlainText, seq),
			UserID:           userID,
			FileID:           doc.FileID,
			FileName:         doc.FileName,
			RevisionID:       doc.RevisionID,
			PageNumber:       1,
			ExtractionMethod: extractionPlainText,
			Text:             chunk,
		})
	}
	return nodes
}

// NodeID 确定性节点 ID：sha256(file|revision|page|extraction|seq) 前 16 字节的 hex
func NodeID(fileID, revisionID string, page int64, extraction string, seq int) string {
	material := fmt.Sprintf("%s|%s|%d|%s|%d", fileID, revisionID, page, extraction, seq)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:16])
}

// splitByRunes 按 rune 数滑窗切分，窗口间保留 overlap
func splitByRunes(s string, maxRunes int, overlapRunes int) []string {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return nil
	}
	if maxRunes <= 0 {
		return []string{raw}
	}
	if overlapRunes < 0 {
		overlapRunes = 0
	}
	runes := []rune(raw)
	if len(runes) <= maxRunes {
		return []string{raw}
	}
	step := maxRunes - overlapRunes
	if step <= 0 {
		step = maxRunes
	}

	out := make([]string, 0, (len(runes)/step)+1)
	for start := 0; start < len(runes); start += step {
		end := start + maxRunes
		if end > len(runes) {
			end = len(runes)
		}
		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			out = append(out, chunk)
		}
		if end >= len(runes) {
			break
		}
	}
	return out
}
