package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/core/service"
	"github.com/rl1809/inventory-ledger/internal/retry"
)

const grpcServiceName = "inventory.v1.LedgerService"

// The service speaks google.protobuf.Struct in both directions; field names
// match the HTTP JSON bodies.
type GRPCHandler struct {
	ledger    *service.LedgerService
	reconcile *service.ReconcileService
	query     *service.QueryService
	policy    retry.Policy
	log       logrus.FieldLogger
}

type ledgerServiceServer interface {
	invoke(ctx context.Context, in *structpb.Struct, call grpcCall) (*structpb.Struct, error)
}

type grpcCall func(ctx context.Context, h *GRPCHandler, raw []byte) (interface{}, error)

type itemGRPCRequest struct {
	ItemID string `json:"item_id"`
}

type reservationGRPCRequest struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
	OrderID  string `json:"order_id"`
}

type thresholdsGRPCRequest struct {
	ItemID            string `json:"item_id"`
	LowStockThreshold int    `json:"low_stock_threshold"`
	ReorderPoint      int    `json:"reorder_point"`
}

type lowStockGRPCRequest struct {
	Threshold *int `json:"threshold"`
	Limit     int  `json:"limit"`
}

type eventsGRPCRequest struct {
	ItemID string     `json:"item_id"`
	Type   string     `json:"type"`
	Since  *time.Time `json:"since"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

type duplicatesGRPCRequest struct {
	Confidence *float64 `json:"confidence"`
}

func NewGRPCHandler(ledger *service.LedgerService, reconcile *service.ReconcileService, query *service.QueryService, policy retry.Policy, log logrus.FieldLogger) *GRPCHandler {
	return &GRPCHandler{
		ledger:    ledger,
		reconcile: reconcile,
		query:     query,
		policy:    policy,
		log:       log,
	}
}

func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(&ledgerServiceDesc, h)
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*ledgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("GetLedger", getLedgerCall),
		unaryMethod("AdjustQuantity", adjustCall),
		unaryMethod("ReserveQuantity", reserveCall),
		unaryMethod("ReleaseReservation", releaseCall),
		unaryMethod("UpdateThresholds", thresholdsCall),
		unaryMethod("Reconcile", reconcileCall),
		unaryMethod("GetLowStock", lowStockCall),
		unaryMethod("GetEvents", eventsCall),
		unaryMethod("FindDuplicates", duplicatesCall),
	},
	Streams: []grpc.StreamDesc{},
}

func unaryMethod(name string, call grpcCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return srv.(ledgerServiceServer).invoke(ctx, req.(*structpb.Struct), call)
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + grpcServiceName + "/" + name,
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func (h *GRPCHandler) invoke(ctx context.Context, in *structpb.Struct, call grpcCall) (*structpb.Struct, error) {
	raw, err := in.MarshalJSON()
	if err != nil {
		return nil, h.toStatus(errors.Wrap(errBadRequest, err.Error()))
	}

	res, err := call(ctx, h, raw)
	if err != nil {
		return nil, h.toStatus(err)
	}

	body, err := json.Marshal(res)
	if err != nil {
		return nil, h.toStatus(errors.Wrap(err, "encode response"))
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(body); err != nil {
		return nil, h.toStatus(errors.Wrap(err, "encode response"))
	}
	return out, nil
}

func (h *GRPCHandler) toStatus(err error) error {
	code := grpcCode(err)
	if httpStatus(err) >= 500 && !domain.IsTransient(err) && !errors.Is(err, retry.ErrExhausted) {
		h.log.WithError(err).Error("rpc failed")
	}
	return status.Error(code, publicMessage(err))
}

func (h *GRPCHandler) mutate(ctx context.Context, op func(ctx context.Context) (*service.MutationResult, error)) (*service.MutationResult, error) {
	var res *service.MutationResult
	err := h.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = op(ctx)
		return err
	})
	return res, err
}

func decodeRaw(raw []byte, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(errBadRequest, "invalid request message")
	}
	return nil
}

func getLedgerCall(ctx context.Context, h *GRPCHandler, raw []byte) (interface{}, error) {
	var req itemGRPCRequest
	if err := decodeRaw(raw, &req); err != nil {
		return nil, err
	}
	return h.ledger.GetLedger(ctx, req.ItemID)
}

func adjustCall(ctx context.Context, h *GRPCHandler, raw []byte) (interface{}, error) {
	var req service.AdjustRequest
	if err := decodeRaw(raw, &req); err != nil {
		return nil, err
	}
	return h.mutate(ctx, func(ctx context.Context) (*service.MutationResult, error) {
		return h.ledger.AdjustQuantity(ctx, req)
	})
}

func reserveCall(ctx context.Context, h *GRPCHandler, raw []byte) (interface{}, error) {
	var req reservationGRPCRequest
	if err := decodeRaw(raw, &req); err != nil {
		return nil, err
	}
	return h.mutate(ctx, func(ctx context.Context) (*service.MutationResult, error) {
		return h.ledger.ReserveQuantity(ctx, req.ItemID, req.Quantity, req.OrderID)
	})
}

func releaseCall(ctx context.Context, h *GRPCHandler, raw []byte) (interface{}, error) {
	var req reservationGRPCRequest
	if err := decodeRaw(raw, &req); err != nil {
		return nil, err
	}
	return h.mutate(ctx, func(ctx context.Context) (*service.MutationResult, error) {
		return h.ledger.ReleaseReservation(ctx, req.ItemID, req.Quantity, req.OrderID)
	})
}

func thresholdsCall(ctx context.Context, h *GRPCHandler, raw []byte) (interface{}, error) {
	var req thresholdsGRPCRequest
	if err := decodeRaw(raw, &req); err != nil {
		return nil, err
	}
	var ledger *domain.Ledger
	err := h.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		ledger, err = h.ledger.UpdateThresholds(ctx, req.ItemID, req.LowStockThreshold, req.ReorderPoint)
		return err
	})
	return ledger, err
}

func reconcileCall(ctx context.Context, h *GRPCHandler, raw []byte) (interface{}, error) {
	var req ReconcileHTTPRequest
	if err := decodeRaw(raw, &req); err != nil {
		return nil, err
	}
	if len(req.ItemIDs) == 0 {
		return nil, errors.Wrap(errBadRequest, "item_ids is required")
	}
	return ReconcileHTTPResponse{Results: h.reconcile.Reconcile(ctx, req.ItemIDs)}, nil
}

func lowStockCall(ctx context.Context, h *GRPCHandler, raw []byte) (interface{}, error) {
	var req lowStockGRPCRequest
	if err := decodeRaw(raw, &req); err != nil {
		return nil, err
	}
	ledgers, err := h.query.GetLowStock(ctx, req.Threshold, req.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"ledgers": ledgers}, nil
}

func eventsCall(ctx context.Context, h *GRPCHandler, raw []byte) (interface{}, error) {
	var req eventsGRPCRequest
	if err := decodeRaw(raw, &req); err != nil {
		return nil, err
	}
	filter := domain.EventFilter{
		ItemID: req.ItemID,
		Type:   domain.EventType(req.Type),
		Limit:  req.Limit,
		Offset: req.Offset,
	}
	if req.Since != nil {
		filter.Since = *req.Since
	}
	return h.query.GetEvents(ctx, filter)
}

func duplicatesCall(ctx context.Context, h *GRPCHandler, raw []byte) (interface{}, error) {
	var req duplicatesGRPCRequest
	if err := decodeRaw(raw, &req); err != nil {
		return nil, err
	}
	floor := defaultConfidenceFloor
	if req.Confidence != nil {
		floor = *req.Confidence
	}
	matches, err := h.query.FindDuplicates(ctx, floor)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"matches": matches}, nil
}
