package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink receives exported audit batches. Exports only ever copy entries out;
// nothing is removed from the database.
type Sink interface {
	Put(ctx context.Context, key string, body io.Reader) error
	Name() string
}

// FileSink writes batches below a local directory.
type FileSink struct {
	Dir string
}

// Name implements Sink.
func (s *FileSink) Name() string { return "file" }

// Put implements Sink. Existing files are never overwritten.
func (s *FileSink) Put(_ context.Context, key string, body io.Reader) error {
	target := filepath.Join(s.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return fmt.Errorf("write archive file: %w", err)
	}
	return f.Close()
}

// S3Config holds the parameters for an S3 (or S3-compatible) archive.
type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"pathStyle"`
}

// PutObjectAPI is the slice of the S3 client the sink needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes batches as objects in a bucket.
type S3Sink struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3Sink builds an S3 client from the default AWS credential chain.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3SinkWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3SinkWithClient wraps an existing client.
func NewS3SinkWithClient(client PutObjectAPI, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

// Name implements Sink.
func (s *S3Sink) Name() string { return "s3" }

// Put implements Sink.
func (s *S3Sink) Put(ctx context.Context, key string, body io.Reader) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(path.Join(s.prefix, key)),
		Body:        body,
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.bucket, path.Join(s.prefix, key), err)
	}
	return nil
}

// ExportResult describes one export run.
type ExportResult struct {
	Key   string  `json:"key,omitempty"`
	Sink  string  `json:"sink"`
	Count int     `json:"count"`
	Last  *Cursor `json:"-"`
}

// Exporter copies filtered audit trails into a Sink as JSON lines.
type Exporter struct {
	store  *Store
	sink   Sink
	now    func() time.Time
	logger *slog.Logger
}

// NewExporter creates an Exporter.
func NewExporter(store *Store, sink Sink, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{store: store, sink: sink, now: time.Now, logger: logger}
}

// Export writes every entry matching f to one object. Nothing is written
// when no entry matches.
func (e *Exporter) Export(ctx context.Context, f Filter) (ExportResult, error) {
	return e.write(ctx, e.store.Query(ctx, f))
}

// ExportRange writes the entries with after < seq <= through to one object.
func (e *Exporter) ExportRange(ctx context.Context, after, through int64) (ExportResult, error) {
	return e.write(ctx, e.store.Range(ctx, after, through))
}

func (e *Exporter) write(ctx context.Context, entries iter.Seq2[Entry, error]) (ExportResult, error) {
	res := ExportResult{Sink: e.sink.Name()}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for entry, err := range entries {
		if err != nil {
			return res, err
		}
		if err := enc.Encode(entry); err != nil {
			return res, fmt.Errorf("encode audit entry %s: %w", entry.ID, err)
		}
		res.Count++
		res.Last = &Cursor{At: entry.Timestamp, Seq: entry.Seq}
	}
	if res.Count == 0 {
		return res, nil
	}

	now := e.now().UTC()
	res.Key = fmt.Sprintf("audit/%s/%s-%d.jsonl", now.Format("2006/01/02"), now.Format("20060102T150405.000000000Z"), res.Last.Seq)
	if err := e.sink.Put(ctx, res.Key, &buf); err != nil {
		return res, err
	}
	e.logger.Info("audit trail exported", "sink", res.Sink, "key", res.Key, "count", res.Count)
	return res, nil
}
