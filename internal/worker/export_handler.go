package worker

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"pos-loyalty-sync/internal/config"
	"pos-loyalty-sync/internal/models"
)

type exportUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ExportHandler renders reconciliation reports to CSV and uploads them
// to S3, falling back to the local filesystem when no bucket is
// configured.
type ExportHandler struct {
	cfg   config.Config
	local exportUploader
	s3    exportUploader
}

// exportPayload is the job payload for event type report.export.
type exportPayload struct {
	ReportName string      `json:"report_name"`
	OutputKey  string      `json:"output_key"`
	Rows       []exportRow `json:"rows"`
}

type exportRow struct {
	OrderID     string `json:"order_id"`
	CustomerRef string `json:"customer_ref"`
	AmountCents int64  `json:"amount_cents"`
	Status      string `json:"status"`
}

// NewExportHandler constructs the handler and chooses an uploader.
func NewExportHandler(ctx context.Context, cfg config.Config) (*ExportHandler, error) {
	baseDir := cfg.ExportOutputDir
	if baseDir == "" {
		baseDir = "./exports"
	}

	var s3Upload exportUploader
	if cfg.ExportS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ExportS3Bucket}
	}

	return &ExportHandler{
		cfg:   cfg,
		local: &localUploader{baseDir: baseDir},
		s3:    s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ExportS3Region),
	}
	if cfg.ExportS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ExportS3Endpoint,
					HostnameImmutable: cfg.ExportS3PathStyle,
					SigningRegion:     cfg.ExportS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ExportS3PathStyle
	}), nil
}

// Handle renders and uploads a single report.
func (h *ExportHandler) Handle(ctx context.Context, job models.Job) error {
	var payload exportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode export payload: %w", err)
	}
	if payload.ReportName == "" {
		return errors.New("report_name is required")
	}

	body, err := renderCSV(payload.Rows)
	if err != nil {
		return err
	}

	key := payload.OutputKey
	if key == "" {
		key = fmt.Sprintf("%s-%s.csv", payload.ReportName, job.CreatedAt.UTC().Format(time.DateOnly))
	}
	key = sanitizeKey(key)

	uploader := h.local
	if h.s3 != nil {
		uploader = h.s3
	}
	if _, err := uploader.Upload(ctx, key, body, "text/csv"); err != nil {
		return fmt.Errorf("upload export: %w", err)
	}
	return nil
}

func renderCSV(rows []exportRow) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	if err := w.Write([]string{"order_id", "customer_ref", "amount_cents", "status"}); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range rows {
		record := []string{r.OrderID, r.CustomerRef, strconv.FormatInt(r.AmountCents, 10), r.Status}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
