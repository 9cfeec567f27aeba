package control

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"signmesh/archive"
	"signmesh/mesh"
)

// Client talks to the Control service of a running node.
type Client struct {
	cc     *grpc.ClientConn
	client ControlClient
	codec  *archive.Codec

	// Timeout applies per RPC when non-zero.
	Timeout time.Duration
}

type DialOptions struct {
	// Timeout applies to the initial dial when non-zero.
	Timeout time.Duration

	// MaxMsgBytes sets both send/recv max sizes when non-zero.
	MaxMsgBytes int

	// Extra is appended to the dial options.
	Extra []grpc.DialOption
}

func Dial(target string, opts DialOptions) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if opts.MaxMsgBytes > 0 {
		dialOpts = append(dialOpts,
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(opts.MaxMsgBytes),
				grpc.MaxCallSendMsgSize(opts.MaxMsgBytes),
			),
		)
	}
	dialOpts = append(dialOpts, opts.Extra...)

	ctx := context.Background()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cc, err := grpc.DialContext(ctx, target, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: cc, client: NewControlClient(cc), codec: archive.NewCodec(), Timeout: opts.Timeout}, nil
}

func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

// Status reports the host on port, or every host when port is 0.
func (c *Client) Status(port uint16) ([]HostStatus, error) {
	ctx, cancel := c.ctx()
	defer cancel()

	reply, err := c.client.Status(ctx, wrapperspb.UInt32(uint32(port)))
	if err != nil {
		return nil, mapRPC(err)
	}
	return decodeHosts(reply)
}

// Broadcast sends payload from the host on port, or from every running host when port is 0.
func (c *Client) Broadcast(port uint16, payload string) (BroadcastResult, error) {
	ctx, cancel := c.ctx()
	defer cancel()

	req, err := structpb.NewStruct(map[string]any{
		"host":    int(port),
		"payload": payload,
	})
	if err != nil {
		return BroadcastResult{}, err
	}
	reply, err := c.client.Broadcast(ctx, req)
	if err != nil {
		return BroadcastResult{}, mapRPC(err)
	}
	return decodeBroadcastResult(reply), nil
}

// Messages fetches the message log of the host on port.
func (c *Client) Messages(port uint16) ([]mesh.InboundMessage, error) {
	raw, err := c.MessagesIPC(port)
	if err != nil {
		return nil, err
	}
	return c.codec.Decode(raw)
}

// MessagesIPC fetches the message log of the host on port as an Arrow IPC stream.
func (c *Client) MessagesIPC(port uint16) ([]byte, error) {
	ctx, cancel := c.ctx()
	defer cancel()

	reply, err := c.client.Messages(ctx, wrapperspb.UInt32(uint32(port)))
	if err != nil {
		return nil, mapRPC(err)
	}
	return reply.GetValue(), nil
}

func (c *Client) TakeReceived(port uint16) (bool, error) {
	ctx, cancel := c.ctx()
	defer cancel()

	reply, err := c.client.TakeReceived(ctx, wrapperspb.UInt32(uint32(port)))
	if err != nil {
		return false, mapRPC(err)
	}
	return reply.GetValue(), nil
}

// GenerateKeypair rotates the key pair of the host on port and returns the new verification key.
func (c *Client) GenerateKeypair(port uint16) ([]byte, error) {
	ctx, cancel := c.ctx()
	defer cancel()

	reply, err := c.client.GenerateKeypair(ctx, wrapperspb.UInt32(uint32(port)))
	if err != nil {
		return nil, mapRPC(err)
	}
	return reply.GetValue(), nil
}

func (c *Client) Restart() error {
	ctx, cancel := c.ctx()
	defer cancel()

	_, err := c.client.Restart(ctx, &emptypb.Empty{})
	return mapRPC(err)
}

func (c *Client) ctx() (context.Context, context.CancelFunc) {
	if c.Timeout > 0 {
		return context.WithTimeout(context.Background(), c.Timeout)
	}
	return context.WithCancel(context.Background())
}
