package llm

import (
	"context"
	"net"
	"strings"
	"testing"

	"github.com/ashureev/dataloop/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// startModelServer serves CompleteMethod by echoing the last message word by
// word, or failing when the message is "fail".
func startModelServer(t *testing.T) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	handler := func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != CompleteMethod {
			return nil
		}
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		msgs := req.GetFields()["messages"].GetListValue().GetValues()
		last := msgs[len(msgs)-1].GetStructValue().GetFields()["content"].GetStringValue()
		if last == "fail" {
			resp, _ := structpb.NewStruct(map[string]any{"error": "quota exceeded"})
			return stream.SendMsg(resp)
		}
		for _, word := range strings.Fields(last) {
			resp, _ := structpb.NewStruct(map[string]any{"delta": word + " "})
			if err := stream.SendMsg(resp); err != nil {
				return err
			}
		}
		return nil
	}

	srv := grpc.NewServer(grpc.UnknownServiceHandler(handler))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis
}

func newBufconnProcessor(t *testing.T, lis *bufconn.Listener) *GrpcProcessor {
	t.Helper()
	p, err := NewGrpcProcessor(GrpcConfig{
		Address: "passthrough:///bufnet",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestGrpcProcessorStreamsDeltas(t *testing.T) {
	lis := startModelServer(t)
	p := newBufconnProcessor(t, lis)

	req := domain.CompletionRequest{
		ChatID:   "c1",
		System:   "be brief",
		Messages: []domain.ModelMessage{{Role: domain.RoleUser, Content: "count the rows"}},
	}
	var got strings.Builder
	for chunk, err := range p.Complete(context.Background(), req) {
		require.NoError(t, err)
		got.WriteString(chunk.Delta)
	}
	assert.Equal(t, "count the rows ", got.String())
}

func TestGrpcProcessorSurfacesModelError(t *testing.T) {
	lis := startModelServer(t)
	p := newBufconnProcessor(t, lis)

	req := domain.CompletionRequest{Messages: []domain.ModelMessage{{Role: domain.RoleUser, Content: "fail"}}}
	var gotErr error
	for _, err := range p.Complete(context.Background(), req) {
		if err != nil {
			gotErr = err
		}
	}
	require.Error(t, gotErr)
	assert.ErrorIs(t, gotErr, errModelResponse)
	assert.Contains(t, gotErr.Error(), "quota exceeded")
}

func TestEncodeCompletionRequest(t *testing.T) {
	msg, err := encodeCompletionRequest("m", domain.CompletionRequest{
		ChatID:   "c",
		Messages: []domain.ModelMessage{{Role: domain.RoleAssistant, Content: "hi"}},
	})
	require.NoError(t, err)
	f := msg.GetFields()
	assert.Equal(t, "m", f["model"].GetStringValue())
	first := f["messages"].GetListValue().GetValues()[0].GetStructValue().GetFields()
	assert.Equal(t, "assistant", first["role"].GetStringValue())
}
