// Package reconcile compares the metadata store's view of indexed files
// with the vector index and reports drift. It never repairs anything.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ingestd/internal/apperr"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
	"github.com/fyrsmithlabs/ingestd/internal/metadata"
	"github.com/fyrsmithlabs/ingestd/internal/queue"
	"github.com/fyrsmithlabs/ingestd/internal/tenant"
	"github.com/fyrsmithlabs/ingestd/internal/vectorindex"
)

var (
	driftFiles = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ingestd",
			Subsystem: "reconcile",
			Name:      "drift_files",
			Help:      "Files found drifting in the last run, by tenant and kind (orphaned, missing, mismatch)",
		},
		[]string{"tenant", "kind"},
	)

	lastRun = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ingestd",
			Subsystem: "reconcile",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last completed reconciliation, by tenant",
		},
		[]string{"tenant"},
	)
)

// Files lists the tenant's live file records.
type Files interface {
	ListFiles(ctx context.Context, tenantID string) ([]metadata.FileRecord, error)
}

// Index reports what the vector index holds.
type Index interface {
	ListFileIDs(ctx context.Context, name string) (map[string]struct{}, error)
	CountMany(ctx context.Context, name string, fileIDs []string) (map[string]int, error)
}

var (
	_ Files = (*metadata.Store)(nil)
	_ Index = (*vectorindex.Service)(nil)
)

// Mismatch is a file whose point count differs from its recorded chunk
// count.
type Mismatch struct {
	FileID   string `json:"fileId"`
	Expected int    `json:"expected"`
	Actual   int    `json:"actual"`
}

// Report is the outcome of one run. Every list is sorted by file id.
type Report struct {
	TenantID   string     `json:"tenantId"`
	Collection string     `json:"collection"`
	Orphaned   []string   `json:"orphaned"`
	Missing    []string   `json:"missing"`
	Mismatches []Mismatch `json:"mismatches"`
	CheckedAt  time.Time  `json:"checkedAt"`
}

// Clean reports whether no drift was found.
func (r *Report) Clean() bool {
	return len(r.Orphaned) == 0 && len(r.Missing) == 0 && len(r.Mismatches) == 0
}

// Job is the reconcile queue payload.
type Job struct {
	TenantID string `json:"tenantId"`
}

// Reconciler runs drift checks.
type Reconciler struct {
	files  Files
	index  Index
	prefix string
	logger *logging.Logger
	now    func() time.Time
}

// New creates a Reconciler. An empty prefix uses the default collection
// prefix.
func New(files Files, index Index, prefix string, logger *logging.Logger) (*Reconciler, error) {
	if files == nil || index == nil {
		return nil, errors.New("reconcile: files and index are required")
	}
	if prefix == "" {
		prefix = tenant.DefaultPrefix
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Reconciler{files: files, index: index, prefix: prefix, logger: logger.Named("reconcile"), now: time.Now}, nil
}

// Run compares one tenant's metadata with its collection.
//
//   - Orphaned: file ids present in the index with no live record in the
//     metadata store. Records being processed or that failed are live.
//   - Missing: files flagged indexed with no points.
//   - Mismatches: files with points whose count differs from the recorded
//     chunk count.
func (r *Reconciler) Run(ctx context.Context, tenantID string) (*Report, error) {
	collection, err := tenant.CollectionName(r.prefix, tenantID)
	if err != nil {
		return nil, apperr.Validation(apperr.ReasonBadRequest, err.Error())
	}

	files, err := r.files.ListFiles(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	inIndex, err := r.index.ListFileIDs(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("listing indexed file ids: %w", err)
	}

	live := make(map[string]struct{}, len(files))
	expected := make(map[string]int, len(files))
	var ids []string
	for _, f := range files {
		live[f.ID] = struct{}{}
		if !f.VectorIndexed {
			continue
		}
		expected[f.ID] = f.ChunkCount
		ids = append(ids, f.ID)
	}
	counts, err := r.index.CountMany(ctx, collection, ids)
	if err != nil {
		return nil, fmt.Errorf("counting points: %w", err)
	}

	rep := &Report{
		TenantID:   tenantID,
		Collection: collection,
		Orphaned:   []string{},
		Missing:    []string{},
		Mismatches: []Mismatch{},
		CheckedAt:  r.now().UTC(),
	}
	for id := range inIndex {
		if _, ok := live[id]; !ok {
			rep.Orphaned = append(rep.Orphaned, id)
		}
	}
	for _, id := range ids {
		actual := counts[id]
		switch {
		case actual == 0:
			rep.Missing = append(rep.Missing, id)
		case actual != expected[id]:
			rep.Mismatches = append(rep.Mismatches, Mismatch{FileID: id, Expected: expected[id], Actual: actual})
		}
	}
	sort.Strings(rep.Orphaned)
	sort.Strings(rep.Missing)
	sort.Slice(rep.Mismatches, func(i, j int) bool { return rep.Mismatches[i].FileID < rep.Mismatches[j].FileID })

	r.record(ctx, rep, len(ids))
	return rep, nil
}

func (r *Reconciler) record(ctx context.Context, rep *Report, checked int) {
	driftFiles.WithLabelValues(rep.TenantID, "orphaned").Set(float64(len(rep.Orphaned)))
	driftFiles.WithLabelValues(rep.TenantID, "missing").Set(float64(len(rep.Missing)))
	driftFiles.WithLabelValues(rep.TenantID, "mismatch").Set(float64(len(rep.Mismatches)))
	lastRun.WithLabelValues(rep.TenantID).Set(float64(rep.CheckedAt.Unix()))

	fields := []zap.Field{
		zap.String("tenant_id", rep.TenantID),
		zap.String("collection", rep.Collection),
		zap.Int("files_checked", checked),
		zap.Int("orphaned", len(rep.Orphaned)),
		zap.Int("missing", len(rep.Missing)),
		zap.Int("mismatches", len(rep.Mismatches)),
	}
	if rep.Clean() {
		r.logger.Info(ctx, "reconciliation clean", fields...)
		return
	}
	r.logger.Warn(ctx, "reconciliation found drift",
		append(fields,
			zap.Strings("orphaned_ids", rep.Orphaned),
			zap.Strings("missing_ids", rep.Missing))...)
}

// Handle runs a reconcile delivery.
func (r *Reconciler) Handle(ctx context.Context, d queue.Delivery) error {
	var job Job
	if err := d.Decode(&job); err != nil {
		return err
	}
	_, err := r.Run(logging.WithTenant(ctx, job.TenantID), job.TenantID)
	return err
}
