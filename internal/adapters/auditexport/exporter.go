// Package auditexport archives slices of the audit trail as JSON and CSV
// objects. Exports run on a background worker and land in an archive.Store.
package auditexport

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pharmachain/internal/archive"
	"pharmachain/internal/core"
	"pharmachain/pkg/domain"
)

// Format is an export serialization.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ExportStatus describes the lifecycle stage of an export request.
type ExportStatus string

const (
	ExportStatusQueued    ExportStatus = "queued"
	ExportStatusRunning   ExportStatus = "running"
	ExportStatusSucceeded ExportStatus = "succeeded"
	ExportStatusFailed    ExportStatus = "failed"
)

// ExportArtifact is one archived object of an export.
type ExportArtifact struct {
	Key         string    `json:"key"`
	Format      Format    `json:"format"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Rows        int       `json:"rows"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ExportRecord tracks an export request and its artifacts.
type ExportRecord struct {
	ID          string             `json:"id"`
	Filter      domain.AuditFilter `json:"filter"`
	Formats     []Format           `json:"formats"`
	Status      ExportStatus       `json:"status"`
	Error       string             `json:"error,omitempty"`
	Artifacts   []ExportArtifact   `json:"artifacts,omitempty"`
	RequestedBy string             `json:"requested_by"`
	Reason      string             `json:"reason,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// ExportInput is an export request.
type ExportInput struct {
	Filter      domain.AuditFilter
	Formats     []Format
	RequestedBy string
	Reason      string
}

// Source yields the audit entries to export. *core.Service satisfies it.
type Source interface {
	ListAuditLogs(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditLogEntry, error)
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(l core.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithQueueSize bounds the number of pending exports.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.queueSize = n
		}
	}
}

// WithPrefix sets the archive key prefix (default "audit").
func WithPrefix(prefix string) Option {
	return func(w *Worker) { w.prefix = prefix }
}

// WithClock overrides the time source.
func WithClock(c core.Clock) Option {
	return func(w *Worker) {
		if c != nil {
			w.clock = c
		}
	}
}

// Worker executes audit exports asynchronously.
type Worker struct {
	source    Source
	store     archive.Store
	logger    core.Logger
	clock     core.Clock
	prefix    string
	queueSize int

	queue chan string
	mu    sync.RWMutex
	jobs  map[string]*ExportRecord

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWorker constructs an export worker reading from source and writing to store.
func NewWorker(source Source, store archive.Store, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		source:    source,
		store:     store,
		logger:    core.NewLogrusLogger(nil),
		clock:     core.ClockFunc(nil),
		prefix:    "audit",
		queueSize: 32,
		jobs:      make(map[string]*ExportRecord),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.queue = make(chan string, w.queueSize)
	return w
}

// Start begins processing export requests.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for the current export.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(w.cancel)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case id := <-w.queue:
			w.process(w.ctx, id)
		}
	}
}

// EnqueueExport schedules an export and returns the queued record.
func (w *Worker) EnqueueExport(_ context.Context, in ExportInput) (ExportRecord, error) {
	record, err := w.register(in)
	if err != nil {
		return ExportRecord{}, err
	}
	select {
	case w.queue <- record.ID:
	default:
		w.fail(record.ID, "export queue full")
		return ExportRecord{}, fmt.Errorf("export queue full")
	}
	return record, nil
}

// Export runs an export synchronously and returns the finished record.
func (w *Worker) Export(ctx context.Context, in ExportInput) (ExportRecord, error) {
	record, err := w.register(in)
	if err != nil {
		return ExportRecord{}, err
	}
	w.process(ctx, record.ID)
	done, _ := w.GetExport(record.ID)
	if done.Status == ExportStatusFailed {
		return done, fmt.Errorf("audit export %s failed: %s", done.ID, done.Error)
	}
	return done, nil
}

// GetExport returns a snapshot of the export record.
func (w *Worker) GetExport(id string) (ExportRecord, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.jobs[id]
	if !ok {
		return ExportRecord{}, false
	}
	return record.copy(), true
}

func (w *Worker) register(in ExportInput) (ExportRecord, error) {
	if w.source == nil {
		return ExportRecord{}, fmt.Errorf("audit source not configured")
	}
	if w.store == nil {
		return ExportRecord{}, fmt.Errorf("archive store not configured")
	}
	formats := in.Formats
	if len(formats) == 0 {
		formats = []Format{FormatJSON, FormatCSV}
	}
	uniq := make([]Format, 0, len(formats))
	seen := make(map[Format]struct{}, len(formats))
	for _, f := range formats {
		if _, dup := seen[f]; dup {
			continue
		}
		if f != FormatJSON && f != FormatCSV {
			return ExportRecord{}, fmt.Errorf("unsupported export format %q", f)
		}
		seen[f] = struct{}{}
		uniq = append(uniq, f)
	}

	now := w.clock.Now()
	record := ExportRecord{
		ID:          uuid.NewString(),
		Filter:      in.Filter,
		Formats:     uniq,
		Status:      ExportStatusQueued,
		RequestedBy: in.RequestedBy,
		Reason:      in.Reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	w.mu.Lock()
	w.jobs[record.ID] = &record
	snapshot := record.copy()
	w.mu.Unlock()
	w.logger.Info("audit export queued", "export_id", record.ID, "requested_by", in.RequestedBy)
	return snapshot, nil
}

func (w *Worker) process(ctx context.Context, id string) {
	record, ok := w.GetExport(id)
	if !ok {
		return
	}
	w.setStatus(id, ExportStatusRunning)

	entries, err := w.source.ListAuditLogs(ctx, record.Filter)
	if err != nil {
		w.fail(id, fmt.Sprintf("list audit logs: %v", err))
		return
	}

	artifacts := make([]ExportArtifact, len(record.Formats))
	g, gctx := errgroup.WithContext(ctx)
	for i, format := range record.Formats {
		g.Go(func() error {
			payload, contentType, err := render(format, entries)
			if err != nil {
				return err
			}
			key := path.Join(w.prefix, record.CreatedAt.Format("2006/01/02"), record.ID+"."+string(format))
			info, err := w.store.Put(gctx, key, bytes.NewReader(payload), archive.PutOptions{
				ContentType: contentType,
				Metadata: map[string]string{
					"export-id":    record.ID,
					"requested-by": record.RequestedBy,
					"rows":         strconv.Itoa(len(entries)),
				},
			})
			if err != nil {
				return fmt.Errorf("store %s artifact: %w", format, err)
			}
			artifacts[i] = ExportArtifact{
				Key:         info.Key,
				Format:      format,
				ContentType: contentType,
				SizeBytes:   int64(len(payload)),
				Rows:        len(entries),
				URL:         info.URL,
				CreatedAt:   w.clock.Now(),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		w.fail(id, err.Error())
		return
	}
	w.complete(id, artifacts)
}

func (w *Worker) setStatus(id string, status ExportStatus) {
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = status
		record.UpdatedAt = w.clock.Now()
	}
	w.mu.Unlock()
}

func (w *Worker) complete(id string, artifacts []ExportArtifact) {
	now := w.clock.Now()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = ExportStatusSucceeded
		record.Error = ""
		record.Artifacts = artifacts
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
	w.logger.Info("audit export succeeded", "export_id", id, "artifacts", len(artifacts))
}

func (w *Worker) fail(id, reason string) {
	now := w.clock.Now()
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = ExportStatusFailed
		record.Error = reason
		record.UpdatedAt = now
		record.CompletedAt = &now
	}
	w.mu.Unlock()
	w.logger.Error("audit export failed", "export_id", id, "error", reason)
}

var csvHeader = []string{
	"sequence", "id", "timestamp", "operation", "action", "table", "record_id",
	"actor_id", "actor_org_id", "actor_role", "correlation_id", "old_value", "new_value",
}

func render(format Format, entries []domain.AuditLogEntry) ([]byte, string, error) {
	switch format {
	case FormatJSON:
		if entries == nil {
			entries = []domain.AuditLogEntry{}
		}
		payload, err := json.Marshal(entries)
		if err != nil {
			return nil, "", fmt.Errorf("marshal json: %w", err)
		}
		return payload, "application/json", nil
	case FormatCSV:
		buf := &bytes.Buffer{}
		writer := csv.NewWriter(buf)
		if err := writer.Write(csvHeader); err != nil {
			return nil, "", err
		}
		for _, e := range entries {
			if err := writer.Write([]string{
				strconv.FormatInt(e.Sequence, 10),
				e.ID,
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				e.Operation,
				string(e.Action),
				string(e.Table),
				e.RecordID,
				e.ActorID,
				e.ActorOrgID,
				string(e.ActorRole),
				e.CorrelationID,
				string(e.OldValue),
				string(e.NewValue),
			}); err != nil {
				return nil, "", err
			}
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "text/csv", nil
	default:
		return nil, "", fmt.Errorf("unsupported export format %q", format)
	}
}

func (r ExportRecord) copy() ExportRecord {
	dup := r
	dup.Formats = append([]Format(nil), r.Formats...)
	if len(r.Artifacts) > 0 {
		dup.Artifacts = append([]ExportArtifact(nil), r.Artifacts...)
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		dup.CompletedAt = &t
	}
	return dup
}
