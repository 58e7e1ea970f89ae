package entity

// QueryIntent 查询意图
type QueryIntent string

const (
	IntentCasual        QueryIntent = "casual"
	IntentKnowledgeBase QueryIntent = "knowledge_base"
)

// AnswerType 答案类型
type AnswerType string

const (
	AnswerTypeDirect        AnswerType = "direct"
	AnswerTypeListDocuments AnswerType = "list_documents"
	AnswerTypeCompare       AnswerType = "compare"
	AnswerTypeSummarize     AnswerType = "summarize"
	AnswerTypeUnknown       AnswerType = "unknown"
)

// Confidence 置信度
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// RefusalReason 拒答原因
type RefusalReason string

const (
	RefusalNotInCorpus RefusalReason = "not_in_corpus"
	RefusalOutOfScope  RefusalReason = "out_of_scope"
	RefusalUnsafe      RefusalReason = "unsafe"
	RefusalUnknown     RefusalReason = "unknown"
)

// Citation 引用来源
type Citation struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	NodeID   string `json:"node_id,omitempty"`
	Page     *int64 `json:"page,omitempty"`
	Quote    string `json:"quote,omitempty"`
}

// StructuredAnswer 模型输出的结构化答案
// 不变式：refused=true 时 citations 必须为空；
// listed_file_ids 仅在 answer_type=list_documents 时填充
type StructuredAnswer struct {
	AnswerMD      string         `json:"answer_md"`
	Intent        QueryIntent    `json:"intent"`
	AnswerType    AnswerType     `json:"answer_type"`
	Citations     []Citation     `json:"citations"`
	ListedFileIDs []string       `json:"listed_file_ids"`
	Confidence    *Confidence    `json:"confidence"`
	Refused       bool           `json:"refused"`
	RefusalReason *RefusalReason `json:"refusal_reason"`
}

// NewRefusedAnswer 构造安全的拒答回复
func NewRefusedAnswer(message string, reason RefusalReason) *StructuredAnswer {
	return &StructuredAnswer{
		AnswerMD:      message,
		Intent:        IntentKnowledgeBase,
		AnswerType:    AnswerTypeUnknown,
		Citations:     []Citation{},
		ListedFileIDs: []string{},
		Refused:       true,
		RefusalReason: &reason,
	}
}

// Normalize 强制执行不变式
func (a *StructuredAnswer) Normalize() {
	if a.Citations == nil {
		a.Citations = []Citation{}
	}
	if a.ListedFileIDs == nil {
		a.ListedFileIDs = []string{}
	}
	if a.Refused {
		a.Citations = []Citation{}
	}
	if a.AnswerType != AnswerTypeListDocuments {
		a.ListedFileIDs = []string{}
	}
}
