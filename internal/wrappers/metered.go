package wrappers

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jayminwest/kotadb/internal/btree"
	"github.com/jayminwest/kotadb/internal/trigram"
	"github.com/jayminwest/kotadb/pkg/types"
)

// Metrics holds the per-stack prometheus collectors. Each wrapper stack
// gets its own registry so tests never bleed counters into each other.
type Metrics struct {
	registry *prometheus.Registry
	ops      *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewMetrics builds a fresh registry with the engine's collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kotadb",
			Name:      "operations_total",
			Help:      "Operations by component, operation, and outcome.",
		}, []string{"component", "op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kotadb",
			Name:      "operation_seconds",
			Help:      "Operation latency by component and operation.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"component", "op"}),
	}

	m.registry.MustRegister(m.ops, m.latency)

	return m
}

// Registry exposes the underlying registry for scrape handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// OpCount returns the accumulated count for one (component, op, outcome)
// triple. Used by Stats and by tests.
func (m *Metrics) OpCount(component, op, outcome string) uint64 {
	counter, err := m.ops.GetMetricWithLabelValues(component, op, outcome)
	if err != nil {
		return 0
	}

	pb := &dto.Metric{}
	if counter.Write(pb) != nil {
		return 0
	}

	return uint64(pb.GetCounter().GetValue())
}

func (m *Metrics) observe(component, op string, start time.Time, err error) {
	outcome := outcomeLabel(err)
	m.ops.WithLabelValues(component, op, outcome).Inc()
	m.latency.WithLabelValues(component, op).Observe(time.Since(start).Seconds())
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

// MeteredStorage counts operations and records latency histograms, tagged
// by outcome. Innermost wrapper, so it measures the engine itself.
type MeteredStorage struct {
	inner   Storage
	metrics *Metrics
}

func NewMeteredStorage(inner Storage, metrics *Metrics) *MeteredStorage {
	return &MeteredStorage{inner: inner, metrics: metrics}
}

func (m *MeteredStorage) Insert(ctx context.Context, doc *types.Document) error {
	start := time.Now()
	err := m.inner.Insert(ctx, doc)
	m.metrics.observe("storage", "insert", start, err)

	return err
}

func (m *MeteredStorage) Update(ctx context.Context, doc *types.Document) error {
	start := time.Now()
	err := m.inner.Update(ctx, doc)
	m.metrics.observe("storage", "update", start, err)

	return err
}

func (m *MeteredStorage) Delete(ctx context.Context, id types.DocumentID) (bool, error) {
	start := time.Now()
	deleted, err := m.inner.Delete(ctx, id)
	m.metrics.observe("storage", "delete", start, err)

	return deleted, err
}

func (m *MeteredStorage) Get(ctx context.Context, id types.DocumentID) (*types.Document, error) {
	start := time.Now()
	doc, err := m.inner.Get(ctx, id)
	m.metrics.observe("storage", "get", start, err)

	return doc, err
}

func (m *MeteredStorage) List(ctx context.Context, offset, limit int) ([]*types.Document, error) {
	start := time.Now()
	docs, err := m.inner.List(ctx, offset, limit)
	m.metrics.observe("storage", "list", start, err)

	return docs, err
}

func (m *MeteredStorage) Flush(ctx context.Context) error {
	start := time.Now()
	err := m.inner.Flush(ctx)
	m.metrics.observe("storage", "flush", start, err)

	return err
}

// MeteredPrimary counts primary index operations.
type MeteredPrimary struct {
	inner   PrimaryIndex
	metrics *Metrics
}

func NewMeteredPrimary(inner PrimaryIndex, metrics *Metrics) *MeteredPrimary {
	return &MeteredPrimary{inner: inner, metrics: metrics}
}

func (m *MeteredPrimary) Insert(path types.Path, id types.DocumentID) error {
	start := time.Now()
	err := m.inner.Insert(path, id)
	m.metrics.observe("primary", "insert", start, err)

	return err
}

func (m *MeteredPrimary) Delete(path types.Path) (bool, error) {
	start := time.Now()
	deleted, err := m.inner.Delete(path)
	m.metrics.observe("primary", "delete", start, err)

	return deleted, err
}

func (m *MeteredPrimary) Get(path types.Path) (types.DocumentID, bool) {
	start := time.Now()
	id, ok := m.inner.Get(path)
	m.metrics.observe("primary", "get", start, nil)

	return id, ok
}

func (m *MeteredPrimary) Scan(prefix string, limit int) []btree.Pair {
	start := time.Now()
	pairs := m.inner.Scan(prefix, limit)
	m.metrics.observe("primary", "scan", start, nil)

	return pairs
}

func (m *MeteredPrimary) ListAll(limit int) []btree.Pair {
	start := time.Now()
	pairs := m.inner.ListAll(limit)
	m.metrics.observe("primary", "list_all", start, nil)

	return pairs
}

// MeteredFullText counts trigram index operations.
type MeteredFullText struct {
	inner   FullTextIndex
	metrics *Metrics
}

func NewMeteredFullText(inner FullTextIndex, metrics *Metrics) *MeteredFullText {
	return &MeteredFullText{inner: inner, metrics: metrics}
}

func (m *MeteredFullText) InsertWithContent(id types.DocumentID, text string) error {
	start := time.Now()
	err := m.inner.InsertWithContent(id, text)
	m.metrics.observe("trigram", "insert", start, err)

	return err
}

func (m *MeteredFullText) UpdateWithContent(id types.DocumentID, text string) error {
	start := time.Now()
	err := m.inner.UpdateWithContent(id, text)
	m.metrics.observe("trigram", "update", start, err)

	return err
}

func (m *MeteredFullText) Delete(id types.DocumentID) bool {
	start := time.Now()
	deleted := m.inner.Delete(id)
	m.metrics.observe("trigram", "delete", start, nil)

	return deleted
}

func (m *MeteredFullText) Search(query string, limit int) []trigram.Hit {
	start := time.Now()
	hits := m.inner.Search(query, limit)
	m.metrics.observe("trigram", "search", start, nil)

	return hits
}
