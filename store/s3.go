package store

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	raven "github.com/getsentry/raven-go"
)

// S3 is a Store kept in an S3 bucket. Do not change Bucket or Prefix
// concurrently with calls using the structure.
type S3 struct {
	svc    *s3.S3
	Bucket string
	Prefix string
}

var _ Store = &S3{}

// NewS3 creates an S3 store using the given bucket. Every key is
// prepended with prefix, so one bucket can hold several stores (e.g. the
// source inputs and the derived artifacts for a site).
func NewS3(bucket, prefix string, awsSession *session.Session) *S3 {
	return &S3{
		Bucket: bucket,
		Prefix: prefix,
		svc:    s3.New(awsSession),
	}
}

// List returns every key in this store (i.e. under the store's prefix).
func (s *S3) List() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		input := &s3.ListObjectsV2Input{
			Bucket: aws.String(s.Bucket),
			Prefix: aws.String(s.Prefix),
		}
		err := s.svc.ListObjectsV2Pages(input,
			func(page *s3.ListObjectsV2Output, lastpage bool) bool {
				for _, item := range page.Contents {
					out <- strings.TrimPrefix(*item.Key, s.Prefix)
				}
				return !lastpage
			})
		if err != nil {
			log.Println("S3 List:", s.Prefix, err)
			raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix})
		}
	}()
	return out
}

// ListPrefix returns the keys in this store having the given prefix.
func (s *S3) ListPrefix(prefix string) ([]string, error) {
	var result []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.Prefix + prefix),
	}
	err := s.svc.ListObjectsV2Pages(input,
		func(page *s3.ListObjectsV2Output, lastpage bool) bool {
			for _, item := range page.Contents {
				result = append(result, strings.TrimPrefix(*item.Key, s.Prefix))
			}
			return !lastpage
		})
	if err != nil {
		log.Println("S3 ListPrefix:", s.Prefix, prefix, err)
		raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix})
	}
	return result, err
}

// Stat issues a HEAD request for the key and returns the object size.
// This is the cache-lookup path, so nothing of the body is transferred.
func (s *S3) Stat(key string) (int64, error) {
	input := &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	}
	info, err := s.svc.HeadObject(input)
	if err != nil {
		if isNotFound(err) {
			return 0, ErrNotExist
		}
		return 0, err
	}
	return *info.ContentLength, nil
}

// Open returns a ReadAtCloser for the given key. Each ReadAt turns into
// a ranged GET, so wrap it in a buffered reader (or a local cache, see
// package cache) when reading sequentially.
func (s *S3) Open(key string) (ReadAtCloser, int64, error) {
	size, err := s.Stat(key)
	if err != nil {
		return nil, 0, err
	}
	return &s3Reader{
		svc:    s.svc,
		bucket: s.Bucket,
		key:    s.Prefix + key,
		size:   size,
	}, size, nil
}

// Create returns a WriteCloser which uploads to the given key on Close.
//
// TODO(kiln): switch to multipart uploads so multi-GB video renditions
// are not buffered in memory.
func (s *S3) Create(key string) (io.WriteCloser, error) {
	if err := ValidKey(key); err != nil {
		return nil, err
	}
	_, err := s.Stat(key)
	if err == nil {
		return nil, ErrKeyExists
	}
	if err != ErrNotExist {
		return nil, err
	}
	return &s3Writer{
		svc:    s.svc,
		bucket: s.Bucket,
		key:    s.Prefix + key,
	}, nil
}

// Delete removes the given key. It is not an error to delete a key that
// does not exist.
func (s *S3) Delete(key string) error {
	_, err := s.svc.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		log.Println("S3 Delete:", s.Prefix, key, err)
		raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Key": key})
	}
	return err
}

func isNotFound(err error) bool {
	e, ok := err.(awserr.RequestFailure)
	return ok && e.StatusCode() == http.StatusNotFound
}

// s3Reader adapts ranged GETs to the ReaderAt interface.
type s3Reader struct {
	svc    *s3.S3
	bucket string
	key    string
	size   int64
}

func (r *s3Reader) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}
	end := off + int64(len(p))
	if end > r.size {
		end = r.size
	}
	input := &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end-1)),
	}
	output, err := r.svc.GetObject(input)
	if err != nil {
		e, ok := err.(awserr.RequestFailure)
		if ok && e.StatusCode() == http.StatusRequestedRangeNotSatisfiable {
			err = io.EOF
		}
		return 0, err
	}
	defer output.Body.Close()
	n, err := io.ReadFull(output.Body, p[:end-off])
	if err == io.ErrUnexpectedEOF {
		err = nil
	}
	if err == nil && end == r.size && int64(len(p)) > end-off {
		err = io.EOF
	}
	return n, err
}

func (r *s3Reader) Close() error { return nil }

// s3Writer buffers writes and does a single PUT when closed. If any
// Write failed, Close abandons the upload rather than storing a
// truncated artifact.
type s3Writer struct {
	svc    *s3.S3
	bucket string
	key    string
	buf    bytes.Buffer
	err    error
}

func (w *s3Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	return w.buf.Write(p)
}

func (w *s3Writer) Close() error {
	if w.err != nil {
		return w.err
	}
	source := bytes.NewReader(w.buf.Bytes())
	_, err := w.svc.PutObject(&s3.PutObjectInput{
		Body:          source,
		Bucket:        aws.String(w.bucket),
		Key:           aws.String(w.key),
		ContentLength: aws.Int64(int64(source.Len())),
	})
	if err != nil {
		log.Println("S3 put:", w.key, err)
		raven.CaptureError(err, map[string]string{"Bucket": w.bucket, "Key": w.key})
	}
	return err
}
