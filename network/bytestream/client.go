// Package bytestream uploads and downloads blobs over the gRPC ByteStream
// protocol, for backends that speak it instead of presigned HTTP URLs.
package bytestream

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"time"

	bspb "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// ErrNotFound is returned when no blob lives under the requested name.
var ErrNotFound = errors.New("blob not found")

// Client is a blob store client backed by a ByteStream gRPC service.
type Client struct {
	bsClient     bspb.ByteStreamClient
	instanceName string
	token        string
}

// NewClientParams ...
type NewClientParams struct {
	UseInsecure  bool
	Host         string
	DialTimeout  time.Duration
	InstanceName string
	Token        string
}

// NewClient connects to the ByteStream service at p.Host.
func NewClient(ctx context.Context, p NewClientParams) (*Client, error) {
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if p.UseInsecure {
		creds = insecure.NewCredentials()
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}

	ctx, cancel := context.WithTimeout(ctx, p.DialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(ctx, p.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.Host, err)
	}

	return &Client{
		bsClient:     bspb.NewByteStreamClient(conn),
		instanceName: p.InstanceName,
		token:        p.Token,
	}, nil
}

type writer struct {
	stream       bspb.ByteStream_WriteClient
	resourceName string
	offset       int64
	fileSize     int64
}

func (w *writer) Write(p []byte) (int, error) {
	req := &bspb.WriteRequest{
		ResourceName: w.resourceName,
		WriteOffset:  w.offset,
		Data:         p,
		FinishWrite:  w.offset+int64(len(p)) >= w.fileSize,
	}
	err := w.stream.Send(req)
	switch {
	case errors.Is(err, io.EOF):
		return 0, io.EOF
	case err != nil:
		return 0, fmt.Errorf("send data: %w", err)
	}
	w.offset += int64(len(p))
	return len(p), nil
}

func (w *writer) Close() error {
	_, err := w.stream.CloseAndRecv()
	if err != nil {
		return fmt.Errorf("close stream: %w", err)
	}
	return nil
}

type reader struct {
	stream bspb.ByteStream_ReadClient
	buf    bytes.Buffer
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	if r.buf.Len() > 0 {
		n, _ := r.buf.Read(p) // this will never fail
		return n, nil
	}

	resp, err := r.stream.Recv()
	switch {
	case errors.Is(err, io.EOF):
		return 0, io.EOF
	case status.Code(err) == codes.NotFound:
		return 0, ErrNotFound
	case err != nil:
		return 0, fmt.Errorf("stream receive: %w", err)
	}

	n := copy(p, resp.Data)
	if n < len(resp.Data) {
		_, _ = r.buf.Write(resp.Data[n:]) // this will never fail
	}

	return n, nil
}

func (r *reader) Close() error {
	r.buf.Reset()
	return nil
}
