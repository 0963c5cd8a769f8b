package bytestream

import (
	"bytes"
	"context"
	"fmt"
	"io"

	bspb "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc/metadata"
)

// PutParams ...
type PutParams struct {
	Name     string
	FileSize int64
}

// Put opens a write stream for the named blob. The returned writer sends one
// WriteRequest per Write call and marks the request that reaches FileSize as
// the finishing one. Close commits the blob.
func (c *Client) Put(ctx context.Context, p PutParams) (io.WriteCloser, error) {
	stream, err := c.bsClient.Write(c.withAuth(ctx))
	if err != nil {
		return nil, fmt.Errorf("initiate put: %w", err)
	}

	return &writer{
		stream:       stream,
		resourceName: c.resourceName(p.Name),
		offset:       0,
		fileSize:     p.FileSize,
	}, nil
}

// Get opens a read stream for the named blob.
func (c *Client) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	readReq := &bspb.ReadRequest{
		ResourceName: c.resourceName(name),
		ReadOffset:   0,
		ReadLimit:    0,
	}
	stream, err := c.bsClient.Read(c.withAuth(ctx), readReq)
	if err != nil {
		return nil, fmt.Errorf("initiate get: %w", err)
	}

	return &reader{
		stream: stream,
		buf:    bytes.Buffer{},
	}, nil
}

// Upload streams the payload into the store under name. Pull-based payloads
// like an uploadio.Reader arrive one chunk per write request, so pause,
// cancellation and speed caps keep working on this transport too.
func (c *Client) Upload(ctx context.Context, name string, payload io.Reader, size int64) error {
	w, err := c.Put(ctx, PutParams{Name: name, FileSize: size})
	if err != nil {
		return err
	}

	if size == 0 {
		// A finished empty write still has to reach the server.
		if _, err := w.Write(nil); err != nil {
			return fmt.Errorf("write empty blob: %w", err)
		}
		return w.Close()
	}

	if _, err := io.Copy(w, payload); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return fmt.Errorf("stream payload: %w (close: %s)", err, closeErr)
		}
		return fmt.Errorf("stream payload: %w", err)
	}
	return w.Close()
}

// WriteStatus reports how much of the named blob the server has committed.
// Callers can use it to pick the resume offset after an interrupted upload.
func (c *Client) WriteStatus(ctx context.Context, name string) (*bspb.QueryWriteStatusResponse, error) {
	resp, err := c.bsClient.QueryWriteStatus(c.withAuth(ctx), &bspb.QueryWriteStatusRequest{
		ResourceName: c.resourceName(name),
	})
	if err != nil {
		return nil, fmt.Errorf("query write status: %w", err)
	}
	return resp, nil
}

// Download copies the named blob into dest and returns the number of bytes
// written.
func (c *Client) Download(ctx context.Context, name string, dest io.Writer) (int64, error) {
	r, err := c.Get(ctx, name)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = r.Close()
	}()

	n, err := io.Copy(dest, r)
	if err != nil {
		return n, fmt.Errorf("stream blob: %w", err)
	}
	return n, nil
}

func (c *Client) resourceName(name string) string {
	return fmt.Sprintf("%s/%s", c.instanceName, name)
}

func (c *Client) withAuth(ctx context.Context) context.Context {
	md := metadata.Pairs("authorization", fmt.Sprintf("Bearer %s", c.token))
	return metadata.NewOutgoingContext(ctx, md)
}
