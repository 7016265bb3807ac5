package server

import (
	"context"

	"google.golang.org/grpc"
)

// Client calls PositionService methods with the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes method, e.g. "Deposit", decoding the reply into out.
func (c *Client) Call(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...)
}
