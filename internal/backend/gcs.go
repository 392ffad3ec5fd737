package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSOptions configures the Google Cloud Storage backend.
type GCSOptions struct {
	Bucket string
	// Folder is an optional object name prefix inside the bucket.
	Folder string
	// CredentialsFile is a service account JSON key. Empty uses the
	// application default credentials.
	CredentialsFile string
}

// GCS stores objects in a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket *storage.BucketHandle
	folder string
}

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// NewGCS connects to the configured bucket.
func NewGCS(ctx context.Context, opts GCSOptions) (*GCS, error) {
	if opts.Bucket == "" {
		return nil, Permanent("open", "", fmt.Errorf("gs bucket not configured"))
	}
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		if _, err := os.Stat(opts.CredentialsFile); err != nil {
			return nil, Permanent("open", opts.CredentialsFile, fmt.Errorf("credentials file: %w", err))
		}
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, Permanent("open", opts.Bucket, fmt.Errorf("failed to create GCS client: %w", err))
	}
	return &GCS{
		client: client,
		bucket: client.Bucket(opts.Bucket),
		folder: strings.Trim(opts.Folder, "/"),
	}, nil
}

func (g *GCS) objectName(name string) string {
	if g.folder == "" {
		return name
	}
	return g.folder + "/" + name
}

// classify maps GCS client errors onto the transient/permanent split:
// throttling, server errors and network failures are retryable.
func classify(op, name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Permanent(op, name, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 408 || apiErr.Code == 429 || apiErr.Code >= 500 {
			return Transient(op, name, err)
		}
		return Permanent(op, name, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Transient(op, name, err)
	}
	return Permanent(op, name, err)
}

func (g *GCS) upload(ctx context.Context, name string, r io.Reader) error {
	w := g.bucket.Object(g.objectName(name)).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	crc := crc32.New(castagnoliTable)
	if _, err := io.Copy(io.MultiWriter(w, crc), r); err != nil {
		w.Close()
		return classify("upload", name, err)
	}
	if err := w.Close(); err != nil {
		return classify("upload", name, err)
	}
	// Compare what we sent with what GCS stored.
	if remote := w.Attrs().CRC32C; remote != crc.Sum32() {
		return Transient("upload", name, fmt.Errorf("CRC32C mismatch: local %08x, remote %08x", crc.Sum32(), remote))
	}
	log.Debugf("[GCS] uploaded %s", name)
	return nil
}

func (g *GCS) UploadFile(ctx context.Context, name, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return Permanent("upload", name, err)
	}
	defer f.Close()
	return g.upload(ctx, name, f)
}

func (g *GCS) UploadData(ctx context.Context, name string, data []byte) error {
	return g.upload(ctx, name, bytes.NewReader(data))
}

func (g *GCS) DownloadFile(ctx context.Context, name, localPath string) error {
	r, err := g.bucket.Object(g.objectName(name)).NewReader(ctx)
	if err != nil {
		return classify("download", name, err)
	}
	defer r.Close()
	out, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return Permanent("download", name, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return classify("download", name, err)
	}
	return Permanent("download", name, out.Close())
}

func (g *GCS) DownloadData(ctx context.Context, name string) ([]byte, error) {
	r, err := g.bucket.Object(g.objectName(name)).NewReader(ctx)
	if err != nil {
		return nil, classify("download", name, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, classify("download", name, err)
	}
	return data, nil
}

func (g *GCS) DeleteFile(ctx context.Context, name string) error {
	err := g.bucket.Object(g.objectName(name)).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		log.Warnf("[GCS] delete %s: object does not exist", name)
		return nil
	}
	return classify("delete", name, err)
}

func (g *GCS) List(ctx context.Context, prefix string) ([]Object, error) {
	query := &storage.Query{Prefix: g.objectName(prefix)}
	var out []Object
	it := g.bucket.Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, classify("list", prefix, err)
		}
		name := attrs.Name
		if g.folder != "" {
			name = strings.TrimPrefix(name, g.folder+"/")
		}
		out = append(out, Object{Name: name, Size: attrs.Size})
	}
	return out, nil
}

// Complete is a no-op: uploads finish when their writer is closed.
func (g *GCS) Complete(ctx context.Context) error {
	return nil
}

// Close releases the client.
func (g *GCS) Close() error {
	return g.client.Close()
}
