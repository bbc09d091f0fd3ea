// Package handler implements the IngestService Connect RPC handlers.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"github.com/FACorreiaa/spendsense/internal/domain/common"
	"github.com/FACorreiaa/spendsense/internal/domain/import/model"
	"github.com/FACorreiaa/spendsense/pkg/interceptors"
)

// IngestServiceName is the fully-qualified name of the ingestion service.
const IngestServiceName = "spendsense.ingest.v1.IngestService"

const (
	OpenBatchProcedure         = "/" + IngestServiceName + "/OpenBatch"
	StageRecordsProcedure      = "/" + IngestServiceName + "/StageRecords"
	CompleteBatchProcedure     = "/" + IngestServiceName + "/CompleteBatch"
	GetBatchProcedure          = "/" + IngestServiceName + "/GetBatch"
	ListTransactionsProcedure  = "/" + IngestServiceName + "/ListTransactions"
	SetManualCategoryProcedure = "/" + IngestServiceName + "/SetManualCategory"
	ResetOverrideProcedure     = "/" + IngestServiceName + "/ResetOverride"
	RecategorizeProcedure      = "/" + IngestServiceName + "/Recategorize"
	GetRuleVersionProcedure    = "/" + IngestServiceName + "/GetRuleVersion"
)

// Ingester is the service the handler delegates to.
type Ingester interface {
	OpenBatch(ctx context.Context, userID uuid.UUID, sourceType model.SourceType) (*model.Batch, error)
	StageRecords(ctx context.Context, userID, batchID uuid.UUID, records []model.RawRecord) (int, error)
	CompleteBatch(ctx context.Context, userID, batchID uuid.UUID) (*model.BatchResult, error)
	GetBatch(ctx context.Context, userID, batchID uuid.UUID) (*model.Batch, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]*model.CanonicalTransaction, error)
	SetManualCategory(ctx context.Context, o model.ManualOverride) (*model.CanonicalTransaction, error)
	ResetOverride(ctx context.Context, userID uuid.UUID, fingerprint string) error
	Recategorize(ctx context.Context, userID uuid.UUID, from, to time.Time) (*model.BatchResult, error)
	RuleVersion(ctx context.Context) (string, int, error)
}

// IngestHandler implements the IngestService Connect handlers.
type IngestHandler struct {
	svc Ingester
}

// NewIngestHandler constructs a new handler.
func NewIngestHandler(svc Ingester) *IngestHandler {
	return &IngestHandler{svc: svc}
}

// NewIngestServiceHandler builds the HTTP handler serving every procedure and
// returns the path prefix to mount it on.
func NewIngestServiceHandler(h *IngestHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{WithJSONCodec()}, opts...)

	mux := http.NewServeMux()
	mux.Handle(OpenBatchProcedure, connect.NewUnaryHandler(OpenBatchProcedure, h.OpenBatch, opts...))
	mux.Handle(StageRecordsProcedure, connect.NewUnaryHandler(StageRecordsProcedure, h.StageRecords, opts...))
	mux.Handle(CompleteBatchProcedure, connect.NewUnaryHandler(CompleteBatchProcedure, h.CompleteBatch, opts...))
	mux.Handle(GetBatchProcedure, connect.NewUnaryHandler(GetBatchProcedure, h.GetBatch, opts...))
	mux.Handle(ListTransactionsProcedure, connect.NewUnaryHandler(ListTransactionsProcedure, h.ListTransactions, opts...))
	mux.Handle(SetManualCategoryProcedure, connect.NewUnaryHandler(SetManualCategoryProcedure, h.SetManualCategory, opts...))
	mux.Handle(ResetOverrideProcedure, connect.NewUnaryHandler(ResetOverrideProcedure, h.ResetOverride, opts...))
	mux.Handle(RecategorizeProcedure, connect.NewUnaryHandler(RecategorizeProcedure, h.Recategorize, opts...))
	mux.Handle(GetRuleVersionProcedure, connect.NewUnaryHandler(GetRuleVersionProcedure, h.GetRuleVersion, opts...))
	return "/" + IngestServiceName + "/", mux
}

// OpenBatch starts a batch owned by the caller.
func (h *IngestHandler) OpenBatch(
	ctx context.Context,
	req *connect.Request[OpenBatchRequest],
) (*connect.Response[OpenBatchResponse], error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}

	batch, err := h.svc.OpenBatch(ctx, userID, model.SourceType(req.Msg.SourceType))
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&OpenBatchResponse{Batch: batch}), nil
}

// StageRecords appends records to an open batch.
func (h *IngestHandler) StageRecords(
	ctx context.Context,
	req *connect.Request[StageRecordsRequest],
) (*connect.Response[StageRecordsResponse], error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	batchID, err := parseID("batch_id", req.Msg.BatchID)
	if err != nil {
		return nil, err
	}
	if len(req.Msg.Records) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("records are required"))
	}

	n, err := h.svc.StageRecords(ctx, userID, batchID, req.Msg.Records)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&StageRecordsResponse{Received: len(req.Msg.Records), Staged: n}), nil
}

// CompleteBatch signals end-of-batch and returns the batch result.
func (h *IngestHandler) CompleteBatch(
	ctx context.Context,
	req *connect.Request[BatchRequest],
) (*connect.Response[BatchResultResponse], error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	batchID, err := parseID("batch_id", req.Msg.BatchID)
	if err != nil {
		return nil, err
	}

	result, err := h.svc.CompleteBatch(ctx, userID, batchID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&BatchResultResponse{Result: result}), nil
}

// GetBatch returns a batch with its persisted result, for polling.
func (h *IngestHandler) GetBatch(
	ctx context.Context,
	req *connect.Request[BatchRequest],
) (*connect.Response[GetBatchResponse], error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	batchID, err := parseID("batch_id", req.Msg.BatchID)
	if err != nil {
		return nil, err
	}

	batch, err := h.svc.GetBatch(ctx, userID, batchID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&GetBatchResponse{Batch: batch}), nil
}

// ListTransactions returns canonical transactions in [from, to).
func (h *IngestHandler) ListTransactions(
	ctx context.Context,
	req *connect.Request[RangeRequest],
) (*connect.Response[ListTransactionsResponse], error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}

	txs, err := h.svc.ListTransactions(ctx, userID, req.Msg.From, req.Msg.To)
	if err != nil {
		return nil, toConnectError(err)
	}
	if txs == nil {
		txs = []*model.CanonicalTransaction{}
	}
	return connect.NewResponse(&ListTransactionsResponse{Transactions: txs}), nil
}

// SetManualCategory pins a user-chosen category on a transaction.
func (h *IngestHandler) SetManualCategory(
	ctx context.Context,
	req *connect.Request[SetManualCategoryRequest],
) (*connect.Response[TransactionResponse], error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := h.svc.SetManualCategory(ctx, model.ManualOverride{
		Fingerprint:     req.Msg.Fingerprint,
		UserID:          userID,
		CategoryCode:    req.Msg.CategoryCode,
		SubcategoryCode: req.Msg.SubcategoryCode,
		Reason:          req.Msg.Reason,
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&TransactionResponse{Transaction: tx}), nil
}

// ResetOverride hands a transaction back to rule-based categorization.
func (h *IngestHandler) ResetOverride(
	ctx context.Context,
	req *connect.Request[ResetOverrideRequest],
) (*connect.Response[ResetOverrideResponse], error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}
	if req.Msg.Fingerprint == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("fingerprint is required"))
	}

	if err := h.svc.ResetOverride(ctx, userID, req.Msg.Fingerprint); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&ResetOverrideResponse{}), nil
}

// Recategorize re-runs the current rules over the caller's transactions.
func (h *IngestHandler) Recategorize(
	ctx context.Context,
	req *connect.Request[RangeRequest],
) (*connect.Response[BatchResultResponse], error) {
	userID, err := callerID(ctx)
	if err != nil {
		return nil, err
	}

	result, err := h.svc.Recategorize(ctx, userID, req.Msg.From, req.Msg.To)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&BatchResultResponse{Result: result}), nil
}

// GetRuleVersion reports the rule set new batches would pin.
func (h *IngestHandler) GetRuleVersion(
	ctx context.Context,
	_ *connect.Request[GetRuleVersionRequest],
) (*connect.Response[GetRuleVersionResponse], error) {
	version, count, err := h.svc.RuleVersion(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&GetRuleVersionResponse{Version: version, RuleCount: count}), nil
}

func callerID(ctx context.Context) (uuid.UUID, error) {
	userIDStr, ok := interceptors.GetUserIDFromContext(ctx)
	if !ok || userIDStr == "" {
		return uuid.Nil, connect.NewError(connect.CodeUnauthenticated, errors.New("authentication required"))
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return uuid.Nil, connect.NewError(connect.CodeInternal, errors.New("invalid user ID in context"))
	}
	return userID, nil
}

func parseID(field, value string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("invalid %s: %w", field, err))
	}
	return id, nil
}

func toConnectError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, common.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, common.ErrBadRequest), errors.Is(err, common.ErrInvalidRecord):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, common.ErrForbidden):
		return connect.NewError(connect.CodePermissionDenied, err)
	case errors.Is(err, common.ErrConflict):
		return connect.NewError(connect.CodeAlreadyExists, err)
	case errors.Is(err, common.ErrBatchNotOpen):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, common.ErrRuleSnapshotUnavailable):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, common.ErrUnauthenticated):
		return connect.NewError(connect.CodeUnauthenticated, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}
