package entity

// Document 从数据源取回的一篇原始文档
type Document struct {
	FileID       string `json:"file_id"`
	FileName     string `json:"file_name"`
	RevisionID   string `json:"revision_id"`
	MimeType     string `json:"mime_type"`
	ModifiedTime string `json:"modified_time"`
	Content      string `json:"content"`
}

// Node 文档切分后的检索单元
type Node struct {
	ID               string  `json:"id"`
	UserID           string  `json:"user_id"`
	FileID           string  `json:"file_id"`
	FileName         string  `json:"file_name"`
	RevisionID       string  `json:"revision_id"`
	PageNumber       int64   `json:"page_number"`
	ExtractionMethod string  `json:"extraction_method"`
	Text             string  `json:"text"`
	Score            float64 `json:"score,omitempty"`
}

// CatalogItem 知识库目录条目
type CatalogItem struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}
