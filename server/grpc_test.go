package server_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/bskracic/cpipe/runner"
	"github.com/bskracic/cpipe/server"
)

func dialPipeline(t *testing.T, p runner.Pipeline) *server.PipelineClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := server.NewGRPC(p, nil)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return server.NewPipelineClient(conn)
}

func TestGRPCStages(t *testing.T) {
	p := &echoPipeline{}
	client := dialPipeline(t, p)
	ctx := context.Background()

	out, err := client.Lexical(ctx, "int a;")
	require.NoError(t, err)
	assert.Equal(t, "Running Lexical Analysis...\n\nint a;", out)
	assert.Equal(t, "lexical:int a;", p.lastCall())

	out, err = client.ParseTree(ctx, "int b;")
	require.NoError(t, err)
	assert.Equal(t, "Generating Parse Tree...\n\nint b;", out)
	assert.Equal(t, "parse-tree:int b;", p.lastCall())

	out, err = client.CompileAndRun(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "Compiling and Running...\n\n", out)
	assert.Equal(t, "compile-and-run:", p.lastCall())
}

func TestGRPCCancelledCall(t *testing.T) {
	client := dialPipeline(t, &echoPipeline{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Lexical(ctx, "int a;")
	assert.Error(t, err)
}
