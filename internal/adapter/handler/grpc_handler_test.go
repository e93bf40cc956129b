package handler

import (
	"context"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func dialAdmin(t *testing.T) *grpc.ClientConn {
	t.Helper()

	svc, _ := newTestService(t)
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterStockSyncAdminServer(srv, NewGRPCHandler(svc, zerolog.Nop()))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func invoke(t *testing.T, conn *grpc.ClientConn, method string, in map[string]any) (*structpb.Struct, error) {
	t.Helper()
	req, err := structpb.NewStruct(in)
	require.NoError(t, err)
	out := new(structpb.Struct)
	err = conn.Invoke(context.Background(), "/"+GRPCServiceName+"/"+method, req, out)
	return out, err
}

func TestGRPC_SubmitGetCancel(t *testing.T) {
	conn := dialAdmin(t)

	out, err := invoke(t, conn, "SubmitOrderLine", map[string]any{
		"order_id": "O1", "sku": "S1", "quantity": 2, "warehouse": "W1",
	})
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", out.Fields["status"].GetStringValue())
	id := out.Fields["id"].GetStringValue()
	require.NotEmpty(t, id)

	out, err = invoke(t, conn, "GetOperation", map[string]any{"id": id})
	require.NoError(t, err)
	assert.Equal(t, "O1", out.Fields["order_id"].GetStringValue())

	out, err = invoke(t, conn, "CancelOperation", map[string]any{"id": id, "actor": "ops", "reason": "test"})
	require.NoError(t, err)
	op := out.Fields["operation"].GetStructValue()
	assert.Equal(t, "CANCELLED", op.Fields["status"].GetStringValue())
	assert.True(t, out.Fields["remote_reverted"].GetBoolValue())

	out, err = invoke(t, conn, "RunReconciliation", map[string]any{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, out.Fields["examined"].GetNumberValue())
}

func TestGRPC_StatusCodes(t *testing.T) {
	conn := dialAdmin(t)

	_, err := invoke(t, conn, "GetOperation", map[string]any{"id": "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = invoke(t, conn, "SubmitOrderLine", map[string]any{"order_id": "O1"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = invoke(t, conn, "SubmitOrderLine", map[string]any{"order_id": "O2", "sku": "S1", "quantity": 1, "warehouse": "W1"})
	require.NoError(t, err)
	_, err = invoke(t, conn, "SubmitOrderLine", map[string]any{"order_id": "O2", "sku": "S1", "quantity": 1, "warehouse": "W1"})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
}
