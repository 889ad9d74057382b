package output

import (
	"context"
	"io"
	"math/rand/v2"
	"net"
	"strconv"
	"sync/atomic"

	"Go2NetStreamer/pkg/flow"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// Ephemeral port range the loopback endpoint is chosen from.
	MinPort = 49152
	MaxPort = 65535

	DefaultBindRetries = 16
	loopbackHost       = "127.0.0.1"
	subscribeMethod    = "/flowstream.v1.FlowStream/Subscribe"
)

// listenTCP is replaced in tests to simulate bind conflicts.
var listenTCP = net.Listen

// LoopbackConfig configures the loopback transport.
type LoopbackConfig struct {
	BindRetries  int
	BufferSize   int
	Backpressure Backpressure
}

type flowStreamServer interface {
	Subscribe(*emptypb.Empty, grpc.ServerStream) error
}

var flowStreamDesc = grpc.ServiceDesc{
	ServiceName: "flowstream.v1.FlowStream",
	HandlerType: (*flowStreamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "flowstream/v1/flowstream.proto",
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(flowStreamServer).Subscribe(in, stream)
}

// LoopbackServer is a Sender that streams flows to a single subscriber over
// gRPC on a loopback port.
type LoopbackServer struct {
	grpcServer *grpc.Server
	listener   net.Listener
	sender     Sender
	receiver   Receiver
	subscribed atomic.Bool
}

// Listen binds a random ephemeral loopback port, retrying on conflicts up to
// BindRetries times, and starts serving.
func Listen(cfg LoopbackConfig) (*LoopbackServer, error) {
	retries := cfg.BindRetries
	if retries <= 0 {
		retries = DefaultBindRetries
	}

	var lastErr error
	var lis net.Listener
	for attempt := 1; attempt <= retries; attempt++ {
		port := MinPort + rand.IntN(MaxPort-MinPort+1)
		l, err := listenTCP("tcp", net.JoinHostPort(loopbackHost, strconv.Itoa(port)))
		if err == nil {
			lis = l
			break
		}
		lastErr = err
		log.WithFields(log.Fields{"port": port, "attempt": attempt}).Debugf("Loopback bind failed: %v", err)
	}
	if lis == nil {
		return nil, flow.NewSetupError("bind loopback transport",
			errors.Wrapf(flow.ErrTransportUnavailable, "%d attempts, last error: %v", retries, lastErr))
	}

	s := &LoopbackServer{grpcServer: grpc.NewServer(), listener: lis}
	s.sender, s.receiver = NewMemory(cfg.BufferSize, cfg.Backpressure)
	s.grpcServer.RegisterService(&flowStreamDesc, s)

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			log.Errorf("Loopback transport stopped: %v", err)
		}
	}()
	log.Printf("Loopback flow transport listening on %s", lis.Addr())
	return s, nil
}

// Addr returns the bound address.
func (s *LoopbackServer) Addr() string { return s.listener.Addr().String() }

// Subscribe streams queued flows to the caller until the end-of-stream
// sentinel. Only one subscriber is accepted.
func (s *LoopbackServer) Subscribe(_ *emptypb.Empty, stream grpc.ServerStream) error {
	if !s.subscribed.CompareAndSwap(false, true) {
		return status.Error(codes.FailedPrecondition, "flow stream already has a subscriber")
	}
	ctx := stream.Context()
	for {
		f, err := s.receiver.Recv(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			s.receiver.Close()
			return status.FromContextError(err).Err()
		}
		msg, err := Encode(f)
		if err != nil {
			log.Errorf("Dropping flow %d: %v", f.ID, err)
			continue
		}
		if err := stream.SendMsg(msg); err != nil {
			s.receiver.Close()
			return err
		}
	}
}

// Send queues a flow for the subscriber.
func (s *LoopbackServer) Send(ctx context.Context, f *flow.Flow) error {
	return s.sender.Send(ctx, f)
}

// Close queues the end-of-stream sentinel.
func (s *LoopbackServer) Close() error {
	return s.sender.Close()
}

// Shutdown waits for the subscriber to finish and releases the port.
func (s *LoopbackServer) Shutdown() {
	s.grpcServer.GracefulStop()
}

// Abort releases the port immediately.
func (s *LoopbackServer) Abort() {
	s.receiver.Close()
	s.grpcServer.Stop()
}

// LoopbackClient is the Receiver end of the loopback transport.
type LoopbackClient struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
}

// Dial subscribes to the flow stream served at addr.
func Dial(ctx context.Context, addr string) (*LoopbackClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, flow.NewSetupError("dial loopback transport", errors.Wrap(flow.ErrTransportUnavailable, err.Error()))
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	stream, err := conn.NewStream(streamCtx, &flowStreamDesc.Streams[0], subscribeMethod)
	if err == nil {
		if err = stream.SendMsg(&emptypb.Empty{}); err == nil {
			err = stream.CloseSend()
		}
	}
	if err != nil {
		cancel()
		conn.Close()
		return nil, flow.NewSetupError("subscribe loopback transport", errors.Wrap(flow.ErrTransportUnavailable, err.Error()))
	}
	return &LoopbackClient{conn: conn, stream: stream, cancel: cancel}, nil
}

// Recv blocks until the next flow arrives. Cancelling ctx abandons the stream.
func (c *LoopbackClient) Recv(ctx context.Context) (*flow.Flow, error) {
	stop := context.AfterFunc(ctx, c.cancel)
	defer stop()

	msg := new(structpb.Struct)
	if err := c.stream.RecvMsg(msg); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &flow.ChannelError{Op: "recv", Err: err}
	}
	return Decode(msg)
}

// Close abandons the stream. The server sees the subscriber as gone.
func (c *LoopbackClient) Close() error {
	c.cancel()
	return c.conn.Close()
}
