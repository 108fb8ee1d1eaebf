package handlers

import (
	"context"
	"fmt"
	"time"

	"trafficengine/pkg/logger"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCHandler exposes the same three observational queries as the HTTP
// surface over grpc.Server, using the same generic structpb.Struct
// envelope the transport clients use on the way out rather than generated
// per-method stubs: this binary is the server for its own admin surface,
// so there is no protoc codegen step to run against.
type GRPCHandler struct {
	service *Service
	logger  logger.Logger
}

func NewGRPCHandler(service *Service, log logger.Logger) *GRPCHandler {
	return &GRPCHandler{service: service, logger: log}
}

const adminServiceFQN = "trafficengine.admin.v1.AdminService"

// ServiceDesc registers the three admin RPCs against a *grpc.Server. Built
// by hand rather than generated because there is no .proto file in this
// build; structpb.Struct is still a real compiled protobuf message, so the
// wire format is genuine protobuf either way.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceFQN,
	HandlerType: (*GRPCHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FleetOverview", Handler: fleetOverviewHandler},
		{MethodName: "AccountDetail", Handler: accountDetailHandler},
		{MethodName: "ErrorDigest", Handler: errorDigestHandler},
	},
}

func fleetOverviewHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := &structpb.Struct{}
	if err := dec(req); err != nil {
		return nil, err
	}
	h := srv.(*GRPCHandler)
	if interceptor == nil {
		return h.fleetOverview(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + adminServiceFQN + "/FleetOverview"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return h.fleetOverview(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, req, info, handler)
}

func accountDetailHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := &structpb.Struct{}
	if err := dec(req); err != nil {
		return nil, err
	}
	h := srv.(*GRPCHandler)
	if interceptor == nil {
		return h.accountDetail(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + adminServiceFQN + "/AccountDetail"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return h.accountDetail(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, req, info, handler)
}

func errorDigestHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := &structpb.Struct{}
	if err := dec(req); err != nil {
		return nil, err
	}
	h := srv.(*GRPCHandler)
	if interceptor == nil {
		return h.errorDigest(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + adminServiceFQN + "/ErrorDigest"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return h.errorDigest(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, req, info, handler)
}

func (h *GRPCHandler) fleetOverview(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	overview, err := h.service.FleetOverview(ctx)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	byStatus := make(map[string]interface{}, len(overview.AccountsByStatus))
	for acctStatus, count := range overview.AccountsByStatus {
		byStatus[string(acctStatus)] = float64(count)
	}
	today := make(map[string]interface{}, len(overview.ActionsToday))
	for outcome, count := range overview.ActionsToday {
		today[string(outcome)] = float64(count)
	}

	resp, err := structpb.NewStruct(map[string]interface{}{
		"accounts_by_status": byStatus,
		"actions_today":       today,
		"generated_at_unix":   float64(overview.GeneratedAt.Unix()),
	})
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("failed to build response envelope: %v", err))
	}
	return resp, nil
}

func (h *GRPCHandler) accountDetail(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	rawID, ok := req.Fields["account_id"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "account_id is required")
	}
	accountID, err := primitive.ObjectIDFromHex(rawID.GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid account_id format")
	}

	detail, err := h.service.AccountDetail(ctx, accountID)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	recent := make([]interface{}, 0, len(detail.RecentActions))
	for _, record := range detail.RecentActions {
		recent = append(recent, map[string]interface{}{
			"id":         record.ID.Hex(),
			"kind":       string(record.Kind),
			"outcome":    string(record.Outcome),
			"target_ref": record.TargetRef,
			"started_at": float64(record.StartedAt.Unix()),
		})
	}

	today := make(map[string]interface{}, len(detail.ActionsToday))
	for outcome, count := range detail.ActionsToday {
		today[string(outcome)] = float64(count)
	}

	resp, err := structpb.NewStruct(map[string]interface{}{
		"account_id":     detail.Account.ID.Hex(),
		"status":         string(detail.Account.Status),
		"phase":          float64(detail.Account.Phase),
		"day_in_phase":   float64(detail.Account.DayInPhase),
		"recent_actions": recent,
		"actions_today":  today,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("failed to build response envelope: %v", err))
	}
	return resp, nil
}

func (h *GRPCHandler) errorDigest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	window := 24 * time.Hour
	if v, ok := req.Fields["window_hours"]; ok && v.GetNumberValue() > 0 {
		window = time.Duration(v.GetNumberValue()) * time.Hour
	}
	limit := 0
	if v, ok := req.Fields["limit"]; ok {
		limit = int(v.GetNumberValue())
	}

	digest, err := h.service.ErrorDigest(ctx, window, limit)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	entries := make([]interface{}, 0, len(digest))
	for _, entry := range digest {
		entries = append(entries, map[string]interface{}{
			"error_kind": string(entry.ErrorKind),
			"count":      float64(entry.Count),
		})
	}

	resp, err := structpb.NewStruct(map[string]interface{}{"errors": entries})
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("failed to build response envelope: %v", err))
	}
	return resp, nil
}
