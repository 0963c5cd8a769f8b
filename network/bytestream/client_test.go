package bytestream

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bspb "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"

	"github.com/mamantoha/upload-io/uploadio"
)

// fakeByteStreamServer keeps blobs in memory and records how writes arrive.
type fakeByteStreamServer struct {
	bspb.UnimplementedByteStreamServer

	mu          sync.Mutex
	blobs       map[string][]byte
	writeChunks map[string][]int
}

func newFakeByteStreamServer() *fakeByteStreamServer {
	return &fakeByteStreamServer{
		blobs:       map[string][]byte{},
		writeChunks: map[string][]int{},
	}
}

func (s *fakeByteStreamServer) Write(stream bspb.ByteStream_WriteServer) error {
	var name string
	var data []byte
	var chunks []int
	finished := false
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if name == "" {
			name = req.ResourceName
		}
		data = append(data, req.Data...)
		chunks = append(chunks, len(req.Data))
		if req.FinishWrite {
			finished = true
		}
	}
	if !finished {
		return status.Error(codes.InvalidArgument, "stream closed without finish_write")
	}

	s.mu.Lock()
	s.blobs[name] = data
	s.writeChunks[name] = chunks
	s.mu.Unlock()

	return stream.SendAndClose(&bspb.WriteResponse{CommittedSize: int64(len(data))})
}

func (s *fakeByteStreamServer) QueryWriteStatus(_ context.Context, req *bspb.QueryWriteStatusRequest) (*bspb.QueryWriteStatusResponse, error) {
	s.mu.Lock()
	data, ok := s.blobs[req.ResourceName]
	s.mu.Unlock()
	if !ok {
		return nil, status.Error(codes.NotFound, "no such resource")
	}
	return &bspb.QueryWriteStatusResponse{CommittedSize: int64(len(data)), Complete: true}, nil
}

func (s *fakeByteStreamServer) Read(req *bspb.ReadRequest, stream bspb.ByteStream_ReadServer) error {
	s.mu.Lock()
	data, ok := s.blobs[req.ResourceName]
	s.mu.Unlock()
	if !ok {
		return status.Error(codes.NotFound, "no such resource")
	}

	const frame = 1024
	for off := 0; off < len(data); off += frame {
		end := off + frame
		if end > len(data) {
			end = len(data)
		}
		if err := stream.Send(&bspb.ReadResponse{Data: data[off:end]}); err != nil {
			return err
		}
	}
	return nil
}

func newTestClient(t *testing.T) (*Client, *fakeByteStreamServer) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	fake := newFakeByteStreamServer()
	bspb.RegisterByteStreamServer(server, fake)
	go func() {
		_ = server.Serve(lis)
	}()
	t.Cleanup(server.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})

	return &Client{
		bsClient:     bspb.NewByteStreamClient(conn),
		instanceName: "test-instance",
		token:        "test-token",
	}, fake
}

func TestClient_UploadDownload_RoundTrip(t *testing.T) {
	client, fake := newTestClient(t)

	payload := []byte(strings.Repeat("bytestream", 500)) // 5000 bytes
	reader, err := uploadio.New(uploadio.BufferSource(payload), uploadio.Config{ChunkSize: 1024}, log.NewLogger())
	require.NoError(t, err)

	require.NoError(t, client.Upload(context.Background(), "blob-1", reader, int64(len(payload))))

	// One write request per pulled chunk
	fake.mu.Lock()
	chunks := fake.writeChunks["test-instance/blob-1"]
	fake.mu.Unlock()
	assert.Equal(t, []int{1024, 1024, 1024, 1024, 904}, chunks)

	var out bytes.Buffer
	n, err := client.Download(context.Background(), "blob-1", &out)
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), n)
	assert.Equal(t, payload, out.Bytes())
}

func TestClient_Upload_EmptyBlob(t *testing.T) {
	client, _ := newTestClient(t)

	reader, err := uploadio.New(uploadio.EmptySource(), uploadio.Config{}, log.NewLogger())
	require.NoError(t, err)

	require.NoError(t, client.Upload(context.Background(), "empty", reader, 0))

	var out bytes.Buffer
	n, err := client.Download(context.Background(), "empty", &out)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClient_Upload_IncompleteStreamFails(t *testing.T) {
	client, _ := newTestClient(t)

	reader, err := uploadio.New(uploadio.BufferSource(make([]byte, 100)), uploadio.Config{}, log.NewLogger())
	require.NoError(t, err)

	// The declared size is never reached, so no finishing write is sent.
	err = client.Upload(context.Background(), "short", reader, 200)
	assert.Error(t, err)
}

func TestClient_WriteStatus(t *testing.T) {
	client, fake := newTestClient(t)

	fake.mu.Lock()
	fake.blobs["test-instance/blob"] = make([]byte, 1234)
	fake.mu.Unlock()

	got, err := client.WriteStatus(context.Background(), "blob")
	require.NoError(t, err)
	want := &bspb.QueryWriteStatusResponse{CommittedSize: 1234, Complete: true}
	assert.True(t, proto.Equal(want, got), "unexpected status: %v", got)

	_, err = client.WriteStatus(context.Background(), "missing")
	assert.Error(t, err)
}

func TestClient_Download_NotFound(t *testing.T) {
	client, _ := newTestClient(t)

	var out bytes.Buffer
	_, err := client.Download(context.Background(), "missing", &out)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_Get_SmallDestinationBuffers(t *testing.T) {
	client, fake := newTestClient(t)

	payload := []byte(strings.Repeat("x", 2000))
	fake.mu.Lock()
	fake.blobs["test-instance/blob"] = payload
	fake.mu.Unlock()

	r, err := client.Get(context.Background(), "blob")
	require.NoError(t, err)
	defer func() {
		_ = r.Close()
	}()

	out := make([]byte, 0, len(payload))
	buf := make([]byte, 300) // smaller than the 1024-byte frames
	for {
		n, readErr := r.Read(buf)
		out = append(out, buf[:n]...)
		if readErr == io.EOF {
			break
		}
		require.NoError(t, readErr)
	}
	assert.Equal(t, payload, out)
}
