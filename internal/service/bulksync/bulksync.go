package bulksync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"loan-sync-worker/internal/pkg/db/postgres"
	"loan-sync-worker/internal/pkg/log_messages"
	"loan-sync-worker/internal/pkg/logger"
	"loan-sync-worker/internal/pkg/models"
	storemodels "loan-sync-worker/internal/pkg/store/models"
	"loan-sync-worker/internal/service/canonicalizer"
	"loan-sync-worker/internal/service/normalizer"

	"github.com/google/uuid"
)

const (
	TriggerStartup  = "startup"
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerCLI      = "cli"
)

var (
	ErrAlreadyRunning = errors.New(log_messages.BulkSyncAlreadyRunning)
	ErrUnknownTable   = errors.New(log_messages.BulkSyncUnknownTable)
)

type SourceReader interface {
	ReadTable(ctx context.Context, table string) ([]postgres.Row, error)
}

type Replacer interface {
	ReplaceAll(ctx context.Context, kind storemodels.EntityKind, docs []storemodels.Document, batchSize int) (int64, error)
}

type StatusStore interface {
	Get(ctx context.Context) (*storemodels.SyncStatus, error)
	Save(ctx context.Context, status storemodels.SyncStatus) error
}

type ReportUploader interface {
	UploadReport(ctx context.Context, report *models.SyncReport) error
}

type Recorder interface {
	BulkTable(ctx context.Context, table string, success bool, records int64, elapsed time.Duration)
}

// Driver copies whole source tables into their destination collections.
type Driver struct {
	source     SourceReader
	target     Replacer
	normalizer *normalizer.Normalizer
	status     StatusStore
	uploader   ReportUploader
	recorder   Recorder
	tables     []string
	batchSize  int
	now        func() time.Time

	running sync.Mutex
}

type Option func(*Driver)

func WithStatusStore(status StatusStore) Option {
	return func(d *Driver) { d.status = status }
}

func WithReportUploader(uploader ReportUploader) Option {
	return func(d *Driver) { d.uploader = uploader }
}

func WithRecorder(recorder Recorder) Option {
	return func(d *Driver) { d.recorder = recorder }
}

func WithTables(tables []string) Option {
	return func(d *Driver) { d.tables = tables }
}

func WithBatchSize(n int) Option {
	return func(d *Driver) { d.batchSize = n }
}

func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

func New(source SourceReader, target Replacer, n *normalizer.Normalizer, opts ...Option) *Driver {
	d := &Driver{
		source:     source,
		target:     target,
		normalizer: n,
		batchSize:  1000,
		now:        time.Now,
	}
	for _, kind := range storemodels.AllKinds {
		d.tables = append(d.tables, kind.String())
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) Tables() []string {
	return append([]string(nil), d.tables...)
}

// Resync replaces the destination collection for table with the current
// source rows and reports whether it succeeded.
func (d *Driver) Resync(ctx context.Context, table string) bool {
	if err := d.checkTables([]string{table}); err != nil {
		logger.CtxError(ctx, log_messages.BulkSyncTableFailed, err, slog.String("table", table))
		return false
	}
	return d.resyncTable(ctx, table).Success
}

// checkTables rejects any table outside the configured list, since a run
// wipes the same-named collection.
func (d *Driver) checkTables(tables []string) error {
	for _, table := range tables {
		if !slices.Contains(d.tables, table) {
			return fmt.Errorf("%w: %s", ErrUnknownTable, table)
		}
	}
	return nil
}

func (d *Driver) resyncTable(ctx context.Context, table string) models.TableSyncResult {
	start := d.now()
	result := models.TableSyncResult{Table: table}
	attrs := []slog.Attr{slog.String("table", table)}

	defer func() {
		elapsed := d.now().Sub(start)
		result.DurationMs = elapsed.Milliseconds()
		if d.recorder != nil {
			d.recorder.BulkTable(ctx, table, result.Success, result.Records, elapsed)
		}
	}()

	fail := func(msg string, err error) models.TableSyncResult {
		result.Error = err.Error()
		logger.CtxError(ctx, msg, err, attrs...)
		return result
	}

	kind := storemodels.EntityKind(table)
	if !d.normalizer.Accepts(kind) {
		return fail(log_messages.BulkSyncTableFailed, fmt.Errorf("%w: %s", normalizer.ErrUnknownKind, table))
	}

	rows, err := d.source.ReadTable(ctx, table)
	if err != nil {
		return fail(log_messages.ErrorSourceExtract, err)
	}

	docs := make([]storemodels.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := d.normalizer.NormalizeRecord(kind, row)
		if err != nil {
			result.Skipped++
			logger.CtxWarn(ctx, "Skipping source row that failed normalization",
				append(attrs, slog.Any("id", row["id"]), slog.String("error", err.Error()))...)
			continue
		}
		docs = append(docs, doc)
	}

	written, err := d.target.ReplaceAll(ctx, kind, docs, d.batchSize)
	result.Records = written
	if err != nil {
		return fail(log_messages.BulkSyncTableFailed, err)
	}

	result.Success = true
	logger.CtxInfo(ctx, log_messages.BulkSyncTableCompleted,
		append(attrs, slog.Int64("records", written), slog.Int64("skipped", result.Skipped))...)
	return result
}

// ResyncAll runs every configured table in order. Tables are independent: a
// failed table is reported and the next one still runs.
func (d *Driver) ResyncAll(ctx context.Context, trigger string) (*models.SyncReport, error) {
	return d.ResyncTables(ctx, trigger, d.tables)
}

// ResyncTables is ResyncAll over an explicit table list. Only one run may be
// in progress at a time.
func (d *Driver) ResyncTables(ctx context.Context, trigger string, tables []string) (*models.SyncReport, error) {
	if err := d.checkTables(tables); err != nil {
		return nil, err
	}
	if !d.running.TryLock() {
		return nil, ErrAlreadyRunning
	}
	defer d.running.Unlock()

	report := d.newReport(trigger)
	d.run(ctx, report, tables)
	return report, nil
}

// Start launches a run in the background and returns its id. It fails
// with ErrAlreadyRunning rather than queueing behind the current run.
// An empty table list means every configured table.
func (d *Driver) Start(ctx context.Context, trigger string, tables []string) (string, error) {
	if len(tables) == 0 {
		tables = d.tables
	}
	if err := d.checkTables(tables); err != nil {
		return "", err
	}
	if !d.running.TryLock() {
		return "", ErrAlreadyRunning
	}

	report := d.newReport(trigger)
	go func() {
		defer d.running.Unlock()
		d.run(context.WithoutCancel(ctx), report, tables)
	}()
	return report.RunID, nil
}

func (d *Driver) newReport(trigger string) *models.SyncReport {
	return &models.SyncReport{
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		StartedAt: d.now().UTC(),
	}
}

func (d *Driver) run(ctx context.Context, report *models.SyncReport, tables []string) {
	ctx = logger.WithTraceID(ctx, report.RunID)
	logger.CtxInfo(ctx, log_messages.BulkSyncStarted,
		slog.String("trigger", report.Trigger), slog.Any("tables", tables))

	for _, table := range tables {
		report.Tables = append(report.Tables, d.resyncTable(ctx, table))
	}
	report.FinishedAt = d.now().UTC()

	logger.CtxInfo(ctx, log_messages.BulkSyncCompleted,
		slog.Any("synced", report.SyncedTables()),
		slog.Any("failed", report.FailedTables()))

	d.persist(ctx, report)
}

// persist records the run; failures here never fail the run itself.
func (d *Driver) persist(ctx context.Context, report *models.SyncReport) {
	if d.status != nil {
		status := storemodels.SyncStatus{
			LastSync:     canonicalizer.Format(report.FinishedAt),
			StartedAt:    canonicalizer.Format(report.StartedAt),
			SyncedTables: report.SyncedTables(),
			FailedTables: report.FailedTables(),
			Records:      report.Records(),
		}
		if err := d.status.Save(ctx, status); err != nil {
			logger.CtxError(ctx, log_messages.ErrorSaveSyncStatus, err)
		}
	}
	if d.uploader != nil {
		if err := d.uploader.UploadReport(ctx, report); err != nil {
			logger.CtxError(ctx, log_messages.ErrorUploadSyncReport, err)
		}
	}
}

// Running reports whether a run is in progress.
func (d *Driver) Running() bool {
	if d.running.TryLock() {
		d.running.Unlock()
		return false
	}
	return true
}

// Status returns the last persisted run, or nil if none was recorded.
func (d *Driver) Status(ctx context.Context) (*storemodels.SyncStatus, error) {
	if d.status == nil {
		return nil, nil
	}
	return d.status.Get(ctx)
}

// Schedule runs ResyncAll once at start when initial is set, then every
// interval until ctx is cancelled. A run in progress is not interrupted.
func (d *Driver) Schedule(ctx context.Context, initial bool, interval time.Duration) {
	run := func(trigger string) {
		// the driver has no cancellation: a started run completes
		if _, err := d.ResyncAll(context.WithoutCancel(ctx), trigger); err != nil {
			logger.CtxWarn(ctx, "Scheduled bulk sync skipped", slog.String("reason", err.Error()))
		}
	}

	if initial {
		run(TriggerStartup)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run(TriggerSchedule)
		}
	}
}
