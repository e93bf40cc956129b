package handler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rl1809/stock-sync/internal/core/domain"
	"github.com/rl1809/stock-sync/internal/core/service"
)

const GRPCServiceName = "stocksync.v1.StockSyncAdmin"

// StockSyncAdminServer is the admin surface over gRPC. Requests and
// responses are google.protobuf.Struct values carrying the same fields as
// the HTTP API.
type StockSyncAdminServer interface {
	SubmitOrderLine(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetOperation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RetryOperation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	CancelOperation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RunReconciliation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var StockSyncAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: GRPCServiceName,
	HandlerType: (*StockSyncAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitOrderLine", StockSyncAdminServer.SubmitOrderLine),
		unary("GetOperation", StockSyncAdminServer.GetOperation),
		unary("RetryOperation", StockSyncAdminServer.RetryOperation),
		unary("CancelOperation", StockSyncAdminServer.CancelOperation),
		unary("RunReconciliation", StockSyncAdminServer.RunReconciliation),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stocksync/v1/admin.proto",
}

type unaryCall func(StockSyncAdminServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(StockSyncAdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + GRPCServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(StockSyncAdminServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func RegisterStockSyncAdminServer(s grpc.ServiceRegistrar, srv StockSyncAdminServer) {
	s.RegisterService(&StockSyncAdminServiceDesc, srv)
}

type GRPCHandler struct {
	svc *service.SyncService
	log zerolog.Logger
}

var _ StockSyncAdminServer = (*GRPCHandler)(nil)

func NewGRPCHandler(svc *service.SyncService, log zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{svc: svc, log: log}
}

func (h *GRPCHandler) SubmitOrderLine(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	line := domain.OrderLine{
		OrderID:        str(in, "order_id"),
		SKU:            str(in, "sku"),
		Quantity:       int(in.GetFields()["quantity"].GetNumberValue()),
		Warehouse:      str(in, "warehouse"),
		IdempotencyKey: str(in, "idempotency_key"),
	}
	op, err := h.svc.SubmitOrderLine(ctx, line)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return toStruct(toOperationResponse(op))
}

func (h *GRPCHandler) GetOperation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op, err := h.svc.GetOperation(ctx, str(in, "id"))
	if err != nil {
		return nil, h.toStatus(err)
	}
	return toStruct(toOperationResponse(op))
}

func (h *GRPCHandler) RetryOperation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	op, err := h.svc.RetryOperation(ctx, str(in, "id"), str(in, "actor"))
	if err != nil {
		return nil, h.toStatus(err)
	}
	return toStruct(toOperationResponse(op))
}

func (h *GRPCHandler) CancelOperation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	res, err := h.svc.CancelOperation(ctx, str(in, "id"), str(in, "reason"), str(in, "actor"))
	if err != nil {
		return nil, h.toStatus(err)
	}
	resp := CancelResponse{
		Operation:      toOperationResponse(&res.Operation),
		RemoteReverted: res.RemoteReverted,
		RevertError:    res.RevertError,
	}
	if res.Compensation != nil {
		comp := toOperationResponse(res.Compensation)
		resp.Compensation = &comp
	}
	return toStruct(resp)
}

func (h *GRPCHandler) RunReconciliation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	report, err := h.svc.RunReconciliation(ctx)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return toStruct(report)
}

func (h *GRPCHandler) toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrDuplicateRequest):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrAlreadyCancelled):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrConcurrentUpdate):
		return status.Error(codes.Aborted, err.Error())
	}
	h.log.Error().Err(err).Msg("grpc request failed")
	return status.Error(codes.Internal, "internal error")
}

func str(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

// toStruct converts v through its JSON form so both APIs share field names.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
