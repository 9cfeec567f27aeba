// Package control exposes a running node over gRPC.
package control

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"signmesh/archive"
	"signmesh/mesh"
	"signmesh/network"
)

// ErrUnknownHost indicates a host port that no supervisor listens on.
var ErrUnknownHost = errors.New("control: unknown host")

// Server exposes a mesh.Node over the Control gRPC service.
type Server struct {
	UnimplementedControlServer
	Node  *mesh.Node
	Codec *archive.Codec
}

func (s *Server) Status(ctx context.Context, in *wrapperspb.UInt32Value) (*structpb.Struct, error) {
	_ = ctx
	if s == nil || s.Node == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing node")
	}
	hosts, err := s.selectHosts(in.GetValue())
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]HostStatus, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, hostStatusFromSnapshot(h.Snapshot()))
	}
	st, err := encodeHosts(out)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

func (s *Server) Broadcast(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	_ = ctx
	if s == nil || s.Node == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing node")
	}
	fields := in.AsMap()
	payload := stringField(fields, "payload")
	if payload == "" {
		return nil, status.Error(codes.InvalidArgument, mesh.ErrEmptyPayload.Error())
	}
	port := uint32(intField(fields, "host"))

	var result BroadcastResult
	if port == 0 {
		var err error
		result, err = broadcastAll(s.targets(), []byte(payload))
		if result.Hosts == 0 && err != nil {
			return nil, mapErr(err)
		}
	} else {
		h, err := s.host(port)
		if err != nil {
			return nil, mapErr(err)
		}
		report, err := h.Broadcast([]byte(payload))
		if err != nil {
			return nil, mapErr(err)
		}
		result.add(report)
	}
	st, err := result.encode()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

type broadcastTarget interface {
	Port() uint16
	State() mesh.State
	Broadcast(payload []byte) (mesh.BroadcastReport, error)
}

func (s *Server) targets() []broadcastTarget {
	hosts := s.Node.Hosts()
	out := make([]broadcastTarget, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, h)
	}
	return out
}

// broadcastAll broadcasts from every running target. A target that fails
// is listed in FailedHosts and the others still count; the joined
// failures are returned alongside the partial result.
func broadcastAll(targets []broadcastTarget, payload []byte) (BroadcastResult, error) {
	var (
		result BroadcastResult
		errs   []error
	)
	for _, t := range targets {
		if t.State() != mesh.StateRunning {
			continue
		}
		report, err := t.Broadcast(payload)
		if err != nil {
			result.FailedHosts = append(result.FailedHosts, t.Port())
			errs = append(errs, fmt.Errorf("host %d: %w", t.Port(), err))
			continue
		}
		result.add(report)
	}
	return result, errors.Join(errs...)
}

func (s *Server) Messages(ctx context.Context, in *wrapperspb.UInt32Value) (*wrapperspb.BytesValue, error) {
	_ = ctx
	h, err := s.host(in.GetValue())
	if err != nil {
		return nil, mapErr(err)
	}
	codec := s.Codec
	if codec == nil {
		codec = archive.NewCodec()
	}
	raw, err := codec.Encode(h.Messages(0))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(raw), nil
}

func (s *Server) TakeReceived(ctx context.Context, in *wrapperspb.UInt32Value) (*wrapperspb.BoolValue, error) {
	_ = ctx
	h, err := s.host(in.GetValue())
	if err != nil {
		return nil, mapErr(err)
	}
	return wrapperspb.Bool(h.TakeReceived()), nil
}

func (s *Server) GenerateKeypair(ctx context.Context, in *wrapperspb.UInt32Value) (*wrapperspb.BytesValue, error) {
	_ = ctx
	h, err := s.host(in.GetValue())
	if err != nil {
		return nil, mapErr(err)
	}
	key, err := h.GenerateKeypair()
	if err != nil {
		return nil, mapErr(err)
	}
	return wrapperspb.Bytes(key), nil
}

func (s *Server) Restart(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	_ = ctx
	if s == nil || s.Node == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing node")
	}
	if err := s.Node.Restart(); err != nil {
		return nil, status.Error(codes.Aborted, err.Error())
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) host(port uint32) (*mesh.HostSupervisor, error) {
	if s == nil || s.Node == nil {
		return nil, ErrUnknownHost
	}
	h, ok := s.Node.Host(uint16(port))
	if port == 0 || port > 0xffff || !ok {
		return nil, ErrUnknownHost
	}
	return h, nil
}

func (s *Server) selectHosts(port uint32) ([]*mesh.HostSupervisor, error) {
	if port == 0 {
		return s.Node.Hosts(), nil
	}
	h, err := s.host(port)
	if err != nil {
		return nil, err
	}
	return []*mesh.HostSupervisor{h}, nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrUnknownHost), errors.Is(err, mesh.ErrUnknownPeer), errors.Is(err, network.ErrPeerNotConnected):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, mesh.ErrEmptyPayload):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, mesh.ErrHostStopped), errors.Is(err, mesh.ErrNotRunning), errors.Is(err, mesh.ErrNoKeys):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
