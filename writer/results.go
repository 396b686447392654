package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	"fraudflow/logger"
	"fraudflow/models"
)

// Config holds the result archive settings.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
	Compression     string
	FlushInterval   time.Duration
	AppVersion      string
}

// ParquetRecord is the archived projection of a pipeline result.
type ParquetRecord struct {
	TransactionID    string  `parquet:"name=transaction_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	EntityID         int64   `parquet:"name=entity_id, type=INT64"`
	Amount           float64 `parquet:"name=amount, type=DOUBLE"`
	IsFraud          bool    `parquet:"name=is_fraud, type=BOOLEAN"`
	FraudProbability float64 `parquet:"name=fraud_probability, type=DOUBLE"`
	AnomalyScore     float64 `parquet:"name=anomaly_score, type=DOUBLE"`
	Status           string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	ErrorMessage     string  `parquet:"name=error_message, type=BYTE_ARRAY, convertedtype=UTF8"`
	CacheHit         bool    `parquet:"name=cache_hit, type=BOOLEAN"`
	DurationMs       int64   `parquet:"name=duration_ms, type=INT64"`
	ProcessedAt      int64   `parquet:"name=processed_at, type=INT64"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)  { return mfw, nil }
func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}
func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// ArchiveWriter drains the result channel into a buffer and flushes it on an
// interval (and on shutdown) as date-partitioned parquet objects in S3.
type ArchiveWriter struct {
	cfg         Config
	results     <-chan models.PipelineResult
	s3Client    *s3.Client
	ctx         context.Context
	quit        chan struct{}
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Log
	buffer      []models.PipelineResult
	flushTicker *time.Ticker

	// Metrics
	batchesWritten int64
	recordsWritten int64
	uploadErrors   int64
}

// NewArchiveWriter builds the writer and its S3 client. Static credentials
// are used when configured, otherwise the default AWS chain.
func NewArchiveWriter(cfg Config, results <-chan models.PipelineResult) (*ArchiveWriter, error) {
	log := logger.GetLogger()

	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("archive_writer").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	w := &ArchiveWriter{
		cfg:      cfg,
		results:  results,
		s3Client: s3Client,
		wg:       &sync.WaitGroup{},
		log:      log,
	}

	log.WithComponent("archive_writer").WithFields(logger.Fields{
		"bucket":         cfg.Bucket,
		"region":         cfg.Region,
		"endpoint":       cfg.Endpoint,
		"path_style":     cfg.PathStyle,
		"flush_interval": cfg.FlushInterval.String(),
	}).Info("archive writer initialized")

	return w, nil
}

// Start launches the drain worker and the flush worker.
func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.quit = make(chan struct{})
	w.mu.Unlock()

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting archive writer")

	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.drainWorker()

	w.wg.Add(1)
	go w.flushWorker()

	log.Info("archive writer started successfully")
	return nil
}

// Stop flushes the remaining buffer and waits for the workers to exit. The
// result channel must have been closed first.
func (w *ArchiveWriter) Stop() {
	w.mu.Lock()
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}
	if wasRunning {
		close(w.quit)
	}

	w.log.WithComponent("archive_writer").Info("stopping archive writer")
	w.wg.Wait()
	w.flushBuffer("shutdown")
	w.log.WithComponent("archive_writer").Info("archive writer stopped")
}

func (w *ArchiveWriter) drainWorker() {
	defer w.wg.Done()

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{"worker": "drain"})
	log.Info("starting drain worker")

	for {
		select {
		case <-w.ctx.Done():
			log.Info("drain worker stopped due to context cancellation")
			return
		case res, ok := <-w.results:
			if !ok {
				log.Info("result channel closed, drain worker stopping")
				return
			}
			w.mu.Lock()
			w.buffer = append(w.buffer, res)
			w.mu.Unlock()
		}
	}
}

func (w *ArchiveWriter) flushWorker() {
	defer w.wg.Done()

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-w.ctx.Done():
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-w.quit:
			log.Info("flush worker stopping")
			return
		case <-w.flushTicker.C:
			w.flushBuffer("interval")
		}
	}
}

func (w *ArchiveWriter) flushBuffer(reason string) {
	w.mu.Lock()
	buffered := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	if len(buffered) == 0 {
		return
	}

	batch := models.ResultBatch{
		BatchID:     uuid.New().String(),
		Results:     buffered,
		RecordCount: len(buffered),
		Timestamp:   time.Now(),
	}

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"batch_id":     batch.BatchID,
		"record_count": batch.RecordCount,
		"reason":       reason,
	}).Info("flushing result buffer")

	w.processBatch(batch)
}

func (w *ArchiveWriter) processBatch(batch models.ResultBatch) {
	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"batch_id":     batch.BatchID,
		"record_count": batch.RecordCount,
		"operation":    "process_batch",
	})

	s3Key := w.generateS3Key(batch)
	log = log.WithFields(logger.Fields{"s3_key": s3Key})

	parquetData, fileSize, err := w.createParquetFile(batch.Results)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	if err := w.uploadToS3(s3Key, parquetData); err != nil {
		w.mu.Lock()
		w.uploadErrors++
		w.mu.Unlock()
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": w.cfg.Bucket}).
			Error("failed to upload to S3")
		return
	}

	w.mu.Lock()
	w.batchesWritten++
	w.recordsWritten += int64(batch.RecordCount)
	w.mu.Unlock()

	log.WithFields(logger.Fields{"file_size": fileSize}).Info("batch archived successfully")
}

// generateS3Key builds the date-partitioned object key:
// results/date=2024-01-01/hour=10/results_<ts>_<batch8>.parquet
func (w *ArchiveWriter) generateS3Key(batch models.ResultBatch) string {
	ts := batch.Timestamp.UTC()
	key := filepath.Join(
		"results",
		fmt.Sprintf("date=%s", ts.Format("2006-01-02")),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		fmt.Sprintf("results_%s_%s.parquet", ts.Format("20060102150405"), batch.BatchID[:8]),
	)
	return filepath.ToSlash(key)
}

func (w *ArchiveWriter) createParquetFile(results []models.PipelineResult) ([]byte, int64, error) {
	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"record_count": len(results),
		"operation":    "create_parquet_file",
	})

	fw := newMemoryFileWriter()
	pw, err := parquetwriter.NewParquetWriter(fw, new(ParquetRecord), 4)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.cfg.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, res := range results {
		record := ParquetRecord{
			TransactionID:    res.TransactionID,
			EntityID:         res.EntityID,
			Amount:           res.Features[models.FeatureAmount],
			IsFraud:          res.Prediction.IsFraud,
			FraudProbability: res.Prediction.FraudProbability,
			AnomalyScore:     res.Prediction.AnomalyScore,
			Status:           res.Status,
			ErrorMessage:     res.Error,
			CacheHit:         res.CacheHit,
			DurationMs:       res.Duration.Milliseconds(),
			ProcessedAt:      res.ProcessedAt.UnixMilli(),
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, 0, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, 0, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	data := fw.Bytes()
	log.WithFields(logger.Fields{
		"file_size":   len(data),
		"compression": w.cfg.Compression,
	}).Info("parquet file created successfully")

	return data, int64(len(data)), nil
}

func (w *ArchiveWriter) uploadToS3(key string, data []byte) error {
	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"operation": "upload_to_s3",
		"data_size": len(data),
	})
	log.Info("uploading to S3")

	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"compression":       w.cfg.Compression,
			"fraudflow-version": w.cfg.AppVersion,
		},
	}

	ctx := context.WithoutCancel(w.ctx)
	if _, err := w.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.cfg.Bucket, err)
	}

	logger.IncrementArchiveWrite(int64(len(data)))
	log.Info("successfully uploaded to S3")
	return nil
}

// Stats reports the writer's counters.
func (w *ArchiveWriter) Stats() (batches, records, uploadErrors int64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.batchesWritten, w.recordsWritten, w.uploadErrors
}
