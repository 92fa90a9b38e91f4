package audit

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/khanghh/kguard/internal/common"
	"github.com/khanghh/kguard/internal/metrics"
	"github.com/khanghh/kguard/internal/response"
	"github.com/khanghh/kguard/internal/store"
	"github.com/khanghh/kguard/model"
	"github.com/khanghh/kguard/params"
	"github.com/sourcegraph/conc"
)

type DetectionEngine interface {
	Evaluate(ctx context.Context, entry *model.AuditLogEntry) ([]model.SecurityEvent, error)
}

type ResponseHandler interface {
	HandleAll(ctx context.Context, events []model.SecurityEvent) ([]response.Result, error)
}

type Config struct {
	MasterKey       string
	Retention       time.Duration
	Async           bool
	Shards          int
	QueueSize       int
	DedupeCacheSize int
}

func (c *Config) sanitize() {
	if c.Retention <= 0 {
		c.Retention = params.AuditRetention
	}
	if c.Shards <= 0 {
		c.Shards = params.AuditAsyncShards
	}
	if c.QueueSize <= 0 {
		c.QueueSize = params.AuditAsyncQueueSize
	}
	if c.DedupeCacheSize <= 0 {
		c.DedupeCacheSize = params.AuditDedupeCacheSize
	}
}

// AuditService is the single entry point for security-relevant events. Every
// accepted entry is persisted append-only and fed to detection and response.
type AuditService struct {
	config    Config
	store     store.Store[model.AuditLogEntry]
	engine    DetectionEngine
	responder ResponseHandler
	validate  *validator.Validate
	seen      *lru.Cache[string, bool] // log id -> stored
	now       func() time.Time

	mu     sync.RWMutex
	closed bool
	shards []chan *model.AuditLogEntry
}

// caller supplied log ids are plain tokens, never key separators
var logIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func scoreOf(t time.Time) float64 {
	return float64(t.UnixMilli())
}

type canonicalEntry struct {
	Timestamp string         `json:"ts"`
	UserID    string         `json:"user_id"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	IPAddress string         `json:"ip"`
	UserAgent string         `json:"ua"`
	Success   bool           `json:"success"`
	RiskScore float64        `json:"risk"`
	Details   map[string]any `json:"details"`
}

// canonical returns the hashed form of the entry: a JSON object with fixed field
// order, so no field value can shift the boundary between two fields.
func canonical(entry *model.AuditLogEntry) []any {
	data, _ := json.Marshal(canonicalEntry{
		Timestamp: entry.Timestamp.UTC().Format(time.RFC3339Nano),
		UserID:    entry.UserID,
		Action:    entry.Action,
		Resource:  entry.Resource,
		IPAddress: entry.IPAddress,
		UserAgent: entry.UserAgent,
		Success:   entry.Success,
		RiskScore: entry.RiskScore,
		Details:   entry.Details,
	})
	return []any{data}
}

// ComputeHash returns the HMAC of the entry content, excluding the log id.
func (s *AuditService) ComputeHash(entry *model.AuditLogEntry) string {
	return common.CalculateHash(s.config.MasterKey, canonical(entry)...)
}

// VerifyEntry reports whether the stored hash still matches the entry content.
func (s *AuditService) VerifyEntry(entry *model.AuditLogEntry) bool {
	return common.VerifyHash(s.config.MasterKey, entry.Hash, canonical(entry)...)
}

func (s *AuditService) prepare(entry *model.AuditLogEntry) error {
	entry.Action = strings.ToLower(strings.TrimSpace(entry.Action))
	entry.IPAddress = strings.TrimSpace(entry.IPAddress)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	if err := s.validate.Struct(entry); err != nil {
		return newValidationError(err)
	}
	if math.IsNaN(entry.RiskScore) {
		return &ValidationError{Fields: []FieldError{{Field: "risk_score", Message: "must be a number"}}}
	}
	entry.Hash = s.ComputeHash(entry)
	if entry.LogID == "" {
		entry.LogID = entry.Hash[:32]
	}
	return nil
}

func (s *AuditService) index(ctx context.Context, entry *model.AuditLogEntry) error {
	indexes := []string{params.TimeIndexName, params.IPIndexPrefix + entry.IPAddress}
	if entry.UserID != "" {
		indexes = append(indexes, params.UserIndexPrefix+entry.UserID)
	}
	err := s.store.Indexes().IndexAdd(ctx, entry.LogID, scoreOf(entry.Timestamp), s.config.Retention, indexes...)
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues("audit").Inc()
	}
	return err
}

// persist stores the entry and its index members. When the log id is already
// stored, the stored entry is indexed again so that a retry after a failed index
// write repairs it, and duplicate is true.
func (s *AuditService) persist(ctx context.Context, entry *model.AuditLogEntry) (duplicate bool, err error) {
	err = s.store.Create(ctx, entry.LogID, *entry, s.config.Retention)
	if errors.Is(err, store.ErrAlreadyExists) {
		stored, err := s.store.Get(ctx, entry.LogID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				metrics.PersistenceErrors.WithLabelValues("audit").Inc()
			}
			return true, err
		}
		return true, s.index(ctx, &stored)
	}
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues("audit").Inc()
		return false, err
	}
	return false, s.index(ctx, entry)
}

// enqueue hands the entry to the writer owning its source address so writes of a
// subject keep their order. It falls back to a direct write once the writers stop.
func (s *AuditService) enqueue(ctx context.Context, entry *model.AuditLogEntry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		_, err := s.persist(ctx, entry)
		return err
	}
	shard := s.shards[xxhash.Sum64String(entry.IPAddress)%uint64(len(s.shards))]
	queued := *entry
	select {
	case shard <- &queued:
		metrics.AsyncQueueDepth.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AuditService) writer(queue <-chan *model.AuditLogEntry) {
	for entry := range queue {
		metrics.AsyncQueueDepth.Dec()
		if _, err := s.persist(context.Background(), entry); err != nil {
			slog.Error("Failed to persist audit entry", "logID", entry.LogID, "ip", entry.IPAddress, "error", err)
		}
	}
}

// Run drives the async writers until ctx is done, then drains the queues.
// It is a no-op when the service writes synchronously.
func (s *AuditService) Run(ctx context.Context) {
	if !s.config.Async {
		return
	}
	var wg conc.WaitGroup
	for _, queue := range s.shards {
		wg.Go(func() { s.writer(queue) })
	}
	<-ctx.Done()
	s.mu.Lock()
	s.closed = true
	for _, queue := range s.shards {
		close(queue)
	}
	s.mu.Unlock()
	wg.Wait()
}

// LogAuditEvent validates, persists and evaluates entry and returns its log id.
// A replayed log id is acknowledged without running detection again. Persistence
// failures are returned to the caller after detection and response have run, and
// the id is only remembered once it is stored, so the caller's retry writes it.
func (s *AuditService) LogAuditEvent(ctx context.Context, entry *model.AuditLogEntry) (string, error) {
	if err := s.prepare(entry); err != nil {
		metrics.AuditEvents.WithLabelValues("invalid").Inc()
		return "", err
	}
	stored, detected := s.seen.Get(entry.LogID)
	if detected && stored {
		metrics.AuditEvents.WithLabelValues("duplicate").Inc()
		return entry.LogID, nil
	}

	var (
		duplicate  bool
		persistErr error
	)
	if s.config.Async {
		persistErr = s.enqueue(ctx, entry)
	} else {
		duplicate, persistErr = s.persist(ctx, entry)
	}
	s.seen.Add(entry.LogID, persistErr == nil)
	if duplicate {
		metrics.AuditEvents.WithLabelValues("duplicate").Inc()
		return entry.LogID, persistErr
	}
	if persistErr != nil {
		slog.Error("Failed to persist audit entry", "logID", entry.LogID, "action", entry.Action, "ip", entry.IPAddress, "error", persistErr)
		metrics.AuditEvents.WithLabelValues("persist_error").Inc()
	} else {
		metrics.AuditEvents.WithLabelValues("accepted").Inc()
	}

	if !detected {
		s.detect(ctx, entry)
	}
	return entry.LogID, persistErr
}

func (s *AuditService) detect(ctx context.Context, entry *model.AuditLogEntry) {
	if s.engine == nil {
		return
	}
	events, err := s.engine.Evaluate(ctx, entry)
	if err != nil {
		slog.Error("Detection finished with errors", "logID", entry.LogID, "error", err)
	}
	if len(events) == 0 || s.responder == nil {
		return
	}
	if _, err := s.responder.HandleAll(ctx, events); err != nil {
		slog.Error("Automated response finished with errors", "logID", entry.LogID, "error", err)
	}
}

func (s *AuditService) Get(ctx context.Context, logID string) (*model.AuditLogEntry, error) {
	entry, err := s.store.Get(ctx, logID)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetAuditEvents returns entries matching filter in ascending timestamp order.
func (s *AuditService) GetAuditEvents(ctx context.Context, filter model.AuditFilter) ([]model.AuditLogEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = params.AuditQueryDefaultLimit
	}
	if limit > params.AuditQueryMaxLimit {
		limit = params.AuditQueryMaxLimit
	}
	index := params.TimeIndexName
	switch {
	case filter.IPAddress != "":
		index = params.IPIndexPrefix + filter.IPAddress
	case filter.UserID != "":
		index = params.UserIndexPrefix + filter.UserID
	}
	min, max := math.Inf(-1), math.Inf(1)
	if !filter.Since.IsZero() {
		min = scoreOf(filter.Since)
	}
	if !filter.Until.IsZero() {
		max = scoreOf(filter.Until)
	}

	storage := s.store.Indexes()
	if err := storage.IndexTrim(ctx, index, scoreOf(s.now().Add(-s.config.Retention))); err != nil {
		return nil, err
	}
	filter.Action = strings.ToLower(filter.Action)
	results := make([]model.AuditLogEntry, 0)
	batch := int64(limit)
	for offset := int64(0); len(results) < limit; offset += batch {
		ids, err := storage.IndexRange(ctx, index, min, max, offset, batch)
		if err != nil {
			return nil, err
		}
		entries, err := s.store.GetMany(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if matchFilter(&filter, &entry) {
				results = append(results, entry)
				if len(results) == limit {
					break
				}
			}
		}
		if int64(len(ids)) < batch {
			break
		}
	}
	return results, nil
}

func matchFilter(filter *model.AuditFilter, entry *model.AuditLogEntry) bool {
	if filter.IPAddress != "" && entry.IPAddress != filter.IPAddress {
		return false
	}
	if filter.UserID != "" && entry.UserID != filter.UserID {
		return false
	}
	if filter.Action != "" && entry.Action != filter.Action {
		return false
	}
	return true
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	v.RegisterValidation("logid", func(fl validator.FieldLevel) bool {
		return logIDPattern.MatchString(fl.Field().String())
	})
	return v
}

func NewAuditService(storage store.Storage, engine DetectionEngine, responder ResponseHandler, config Config) (*AuditService, error) {
	config.sanitize()
	seen, err := lru.New[string, bool](config.DedupeCacheSize)
	if err != nil {
		return nil, err
	}
	svc := &AuditService{
		config:    config,
		store:     store.New[model.AuditLogEntry](storage, params.AuditKeyPrefix),
		engine:    engine,
		responder: responder,
		validate:  newValidator(),
		seen:      seen,
		now:       time.Now,
	}
	if config.Async {
		svc.shards = make([]chan *model.AuditLogEntry, config.Shards)
		for i := range svc.shards {
			svc.shards[i] = make(chan *model.AuditLogEntry, config.QueueSize/config.Shards+1)
		}
	}
	return svc, nil
}
