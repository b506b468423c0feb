package grpc

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/arcadia-eternity/battle-cluster/internal/action"
	"github.com/arcadia-eternity/battle-cluster/internal/cluster"
)

// Execute runs one forwarded action. Action failures travel back inside the
// result; only an undecodable request is rejected with a gRPC status.
func (s *Server) Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	res := s.dispatcher.Dispatch(ctx, req)
	out, err := encodeResult(res)
	if err != nil {
		s.logger.Error("encode result failed",
			zap.String("action", string(req.Action)),
			zap.String("request", req.ID),
			zap.Error(err))
		return nil, status.Error(codes.Internal, "encode result")
	}
	return out, nil
}

func encodeRequest(req action.Request) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"requestId": req.ID,
		"action":    string(req.Action),
		"roomId":    req.RoomID,
		"playerId":  req.PlayerID,
		"source":    req.Source,
		"payload":   string(req.Payload),
	})
}

func decodeRequest(in *structpb.Struct) (action.Request, error) {
	if in == nil {
		return action.Request{}, cluster.NewError(cluster.CodeValidation, "empty request")
	}
	f := in.GetFields()
	req := action.Request{
		ID:       f["requestId"].GetStringValue(),
		Action:   action.Name(f["action"].GetStringValue()),
		RoomID:   f["roomId"].GetStringValue(),
		PlayerID: f["playerId"].GetStringValue(),
		Source:   f["source"].GetStringValue(),
	}
	if payload := f["payload"].GetStringValue(); payload != "" {
		if !json.Valid([]byte(payload)) {
			return req, cluster.NewError(cluster.CodeValidation, "%s payload is not valid JSON", req.Action)
		}
		req.Payload = json.RawMessage(payload)
	}
	return req, nil
}

func encodeResult(res action.Result) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"requestId": res.RequestID,
		"success":   res.Success,
		"data":      string(res.Data),
		"code":      string(res.Code),
		"details":   res.Details,
		"retryable": res.Retryable,
	})
}

func decodeResult(out *structpb.Struct) (action.Result, error) {
	if out == nil {
		return action.Result{}, cluster.NewError(cluster.CodeInternal, "empty result")
	}
	f := out.GetFields()
	res := action.Result{
		RequestID: f["requestId"].GetStringValue(),
		Success:   f["success"].GetBoolValue(),
		Code:      cluster.Code(f["code"].GetStringValue()),
		Details:   f["details"].GetStringValue(),
		Retryable: f["retryable"].GetBoolValue(),
	}
	if data := f["data"].GetStringValue(); data != "" {
		if !json.Valid([]byte(data)) {
			return res, cluster.NewError(cluster.CodeInternal, "result data is not valid JSON")
		}
		res.Data = json.RawMessage(data)
	}
	return res, nil
}
