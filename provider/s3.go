package provider

import (
	"context"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"gitlab.com/tozd/go/errors"
)

var _ Provider = (*S3Provider)(nil)

// objectInfo describes an object or a common prefix.
type objectInfo struct {
	name    string
	size    int64
	dir     bool
	modTime time.Time
}

func (o objectInfo) Name() string       { return o.name }
func (o objectInfo) Size() int64        { return o.size }
func (o objectInfo) IsDir() bool        { return o.dir }
func (o objectInfo) ModTime() time.Time { return o.modTime }

// S3Provider exposes a bucket prefix as a remote transfer endpoint. Object
// storage has no directories, permissions or atomic rename: MkdirAll is a
// no-op, Chmod/Chown report ErrNotSupported and Rename is copy-then-delete.
type S3Provider struct {
	client   *s3.Client
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Provider creates a new S3Provider using the default AWS credential chain.
// bucket is the S3 bucket name.
func NewS3Provider(ctx context.Context, bucket string, prefix string) (*S3Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	return &S3Provider{
		client:   client,
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

// buildKey maps an endpoint path to an object key below the prefix.
func (p *S3Provider) buildKey(subPath string) string {
	return strings.TrimPrefix(path.Join(p.prefix, strings.TrimPrefix(subPath, "/")), "/")
}

// dirPrefix is the listing prefix of the directory at pth.
func (p *S3Provider) dirPrefix(pth string) string {
	key := p.buildKey(pth)
	if key == "" || strings.HasSuffix(key, "/") {
		return key
	}
	return key + "/"
}

// Stat resolves pth as an object first and as a key prefix second.
func (p *S3Provider) Stat(ctx context.Context, pth string) (FileInfo, error) {
	key := p.buildKey(pth)
	head, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(p.bucket), Key: aws.String(key)})
	if err == nil {
		return objectInfo{
			name:    path.Base(key),
			size:    aws.ToInt64(head.ContentLength),
			dir:     strings.HasSuffix(key, "/"),
			modTime: aws.ToTime(head.LastModified),
		}, nil
	}

	out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(p.dirPrefix(pth)),
		MaxKeys: aws.Int32(1),
	})
	switch {
	case err != nil:
		return nil, errors.Errorf("stat %q: %w", pth, err)
	case len(out.Contents) == 0 && len(out.CommonPrefixes) == 0:
		return nil, errors.Errorf("stat %q: %w", pth, fs.ErrNotExist)
	}
	return objectInfo{name: path.Base(key), dir: true}, nil
}

// List returns the objects and sub-prefixes directly below pth.
func (p *S3Provider) List(ctx context.Context, pth string) ([]FileInfo, error) {
	prefix := p.dirPrefix(pth)
	pages := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var infos []FileInfo
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, errors.Errorf("listing %q: %w", pth, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			infos = append(infos, objectInfo{name: name, dir: true})
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				// the directory marker itself
				continue
			}
			infos = append(infos, objectInfo{
				name:    strings.TrimSuffix(name, "/"),
				size:    aws.ToInt64(obj.Size),
				dir:     strings.HasSuffix(name, "/"),
				modTime: aws.ToTime(obj.LastModified),
			})
		}
	}
	return infos, nil
}

// OpenRead opens a file for streaming reads.
func (p *S3Provider) OpenRead(ctx context.Context, pth string) (io.ReadCloser, error) {
	key := p.buildKey(pth)
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Errorf("opening %q for read: %w", pth, err)
	}
	return out.Body, nil
}

// OpenWrite streams the written bytes into a multipart upload; the object is
// only visible once Close returns nil.
func (p *S3Provider) OpenWrite(ctx context.Context, pth string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()
	w := &uploadWriter{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		_, w.err = p.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(p.buildKey(pth)),
			Body:   pr,
		})
		// unblock pending writes if the upload gave up early
		pr.CloseWithError(w.err)
	}()
	return w, nil
}

// Rename copies the object to its new key and deletes the old one.
func (p *S3Provider) Rename(ctx context.Context, oldPath, newPath string) error {
	src := p.buildKey(oldPath)
	_, err := p.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(p.bucket),
		CopySource: aws.String(url.PathEscape(p.bucket + "/" + src)),
		Key:        aws.String(p.buildKey(newPath)),
	})
	if err != nil {
		return errors.Errorf("copying %q to %q: %w", oldPath, newPath, err)
	}
	return p.Remove(ctx, oldPath)
}

func (p *S3Provider) Remove(ctx context.Context, pth string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.buildKey(pth)),
	})
	if err != nil {
		return errors.Errorf("deleting %q: %w", pth, err)
	}
	return nil
}

// MkdirAll is a no-op: keys are created with their full prefix on upload.
func (p *S3Provider) MkdirAll(ctx context.Context, pth string) error {
	return nil
}

func (p *S3Provider) Chmod(ctx context.Context, pth string, mode os.FileMode) error {
	return ErrNotSupported
}

func (p *S3Provider) Chown(ctx context.Context, pth string, uid, gid int) error {
	return ErrNotSupported
}

// uploadWriter feeds an in-flight upload through a pipe.
type uploadWriter struct {
	pw   *io.PipeWriter
	done chan struct{}
	err  error
}

func (w *uploadWriter) Write(b []byte) (int, error) {
	return w.pw.Write(b)
}

// Close ends the body and waits for the upload to settle.
func (w *uploadWriter) Close() error {
	_ = w.pw.Close()
	<-w.done
	if w.err != nil {
		return errors.Errorf("s3 upload: %w", w.err)
	}
	return nil
}

// CloseWithError fails the body with cause so the upload is abandoned and
// no object is created.
func (w *uploadWriter) CloseWithError(cause error) error {
	_ = w.pw.CloseWithError(cause)
	<-w.done
	if w.err != nil && !errors.Is(w.err, cause) {
		return errors.Errorf("s3 upload: %w", w.err)
	}
	return nil
}
