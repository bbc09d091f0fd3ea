package handler

import (
	"time"

	"github.com/FACorreiaa/spendsense/internal/domain/import/model"
)

type OpenBatchRequest struct {
	SourceType string `json:"source_type"`
}

type OpenBatchResponse struct {
	Batch *model.Batch `json:"batch"`
}

type StageRecordsRequest struct {
	BatchID string            `json:"batch_id"`
	Records []model.RawRecord `json:"records"`
}

type StageRecordsResponse struct {
	Received int `json:"received"`
	// Staged excludes records whose source_id was already staged.
	Staged int `json:"staged"`
}

// BatchRequest addresses a batch by ID.
type BatchRequest struct {
	BatchID string `json:"batch_id"`
}

type BatchResultResponse struct {
	Result *model.BatchResult `json:"result"`
}

type GetBatchResponse struct {
	Batch *model.Batch `json:"batch"`
}

// RangeRequest selects transactions with from <= occurred_at < to.
type RangeRequest struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type ListTransactionsResponse struct {
	Transactions []*model.CanonicalTransaction `json:"transactions"`
}

type SetManualCategoryRequest struct {
	Fingerprint     string  `json:"fingerprint"`
	CategoryCode    string  `json:"category_code"`
	SubcategoryCode *string `json:"subcategory_code,omitempty"`
	Reason          string  `json:"reason,omitempty"`
}

type TransactionResponse struct {
	Transaction *model.CanonicalTransaction `json:"transaction"`
}

type ResetOverrideRequest struct {
	Fingerprint string `json:"fingerprint"`
}

type ResetOverrideResponse struct{}

type GetRuleVersionRequest struct{}

type GetRuleVersionResponse struct {
	Version   string `json:"version"`
	RuleCount int    `json:"rule_count"`
}
