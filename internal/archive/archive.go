// Package archive exports terminal delivery records to object storage on a
// cron schedule. Each run writes one JSONL object holding the records that
// became terminal since the previous successful run.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alfredjeanlab/kbus/internal/metrics"
	"github.com/alfredjeanlab/kbus/internal/store"
)

// Destination is the interface for an archive target.
type Destination interface {
	// Write stores data under key.
	Write(ctx context.Context, key string, data []byte) error
}

// DefaultSchedule runs the archive every fifteen minutes.
const DefaultSchedule = "*/15 * * * *"

var scheduleParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseSchedule parses a five-field cron expression or descriptor
// ("@hourly") evaluated in UTC.
func ParseSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}
	if strings.Contains(strings.ToUpper(clean), "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}
	schedule, err := scheduleParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// Options configures an Archiver.
type Options struct {
	Schedule string // cron expression; DefaultSchedule when empty
	Prefix   string // object key prefix
	Clock    func() time.Time
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Archiver exports terminal delivery records to a Destination.
type Archiver struct {
	store    store.Store
	dest     Destination
	schedule cron.Schedule
	prefix   string
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu        sync.Mutex // serializes runs and guards watermark
	watermark *time.Time

	cron   *cron.Cron
	cancel context.CancelFunc
}

// New creates an archiver. It fails when the schedule does not parse.
func New(s store.Store, dest Destination, opts Options) (*Archiver, error) {
	expr := opts.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	a := &Archiver{
		store:    s,
		dest:     dest,
		schedule: schedule,
		prefix:   strings.Trim(opts.Prefix, "/"),
		now:      opts.Clock,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a, nil
}

// Start begins scheduled runs.
func (a *Archiver) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.cron = cron.New(cron.WithLocation(time.UTC))
	a.cron.Schedule(a.schedule, cron.FuncJob(func() {
		if _, err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("archive: run failed", "err", err)
		}
	}))
	a.cron.Start()
}

// Stop cancels any running export and waits for it to finish.
func (a *Archiver) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
}

// RunOnce exports records that became terminal since the last successful
// run and returns how many were written. Nothing is written when there are
// none.
func (a *Archiver) RunOnce(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	var buf bytes.Buffer
	sum, err := ExportJSONL(ctx, a.store, a.watermark, now, &buf)
	if err != nil {
		return 0, err
	}
	if sum.Count == 0 {
		a.logger.Debug("archive: nothing to export")
		return 0, nil
	}

	key := a.objectKey(now)
	if err := a.dest.Write(ctx, key, buf.Bytes()); err != nil {
		return 0, err
	}

	latest := sum.Latest
	a.watermark = &latest
	a.metrics.Archived(sum.Count)
	a.logger.Info("archive: exported", "records", sum.Count, "key", key, "bytes", buf.Len())
	return sum.Count, nil
}

func (a *Archiver) objectKey(now time.Time) string {
	name := now.UTC().Format("2006/01/02/150405.000000000") + ".jsonl"
	if a.prefix == "" {
		return name
	}
	return path.Join(a.prefix, name)
}
