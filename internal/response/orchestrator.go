package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/khanghh/kguard/internal/metrics"
	"github.com/khanghh/kguard/internal/store"
	"github.com/khanghh/kguard/model"
	"github.com/khanghh/kguard/params"
)

type AlertCreator interface {
	Create(ctx context.Context, alert *model.SecurityAlert) error
}

type Notifier interface {
	Deliver(ctx context.Context, alert *model.SecurityAlert) error
}

type Config struct {
	BlockDuration time.Duration
	MaxBlock      time.Duration
}

// Result is the outcome of handling the events of one subject.
type Result struct {
	Subject string                 `json:"subject"`
	Action  model.ResponseAction   `json:"action"`
	Alerts  []*model.SecurityAlert `json:"alerts,omitempty"`
	Block   *model.BlockRecord     `json:"block,omitempty"`
}

// Orchestrator applies automated responses for security events.
type Orchestrator struct {
	config   Config
	blocks   store.Store[model.BlockRecord]
	alerts   AlertCreator
	notifier Notifier
	enricher Enricher
	mirror   *blockMirror
	now      func() time.Time
}

func (o *Orchestrator) SetNotifier(notifier Notifier) {
	o.notifier = notifier
}

func (o *Orchestrator) SetEnricher(enricher Enricher) {
	o.enricher = enricher
}

// Handle applies the response of a single event.
func (o *Orchestrator) Handle(ctx context.Context, event model.SecurityEvent) (*Result, error) {
	results, err := o.HandleAll(ctx, []model.SecurityEvent{event})
	if len(results) == 0 {
		return nil, err
	}
	return &results[0], err
}

// HandleAll groups events by subject and applies the most severe action of each
// group. Every event that asks for more than NONE gets an alert, and a block asked
// for by any event of the group is applied even when another event escalates.
func (o *Orchestrator) HandleAll(ctx context.Context, events []model.SecurityEvent) ([]Result, error) {
	var (
		order  []string
		groups = make(map[string][]model.SecurityEvent)
	)
	for _, ev := range events {
		subject := ev.Subject()
		if _, ok := groups[subject]; !ok {
			order = append(order, subject)
		}
		groups[subject] = append(groups[subject], ev)
	}

	results := make([]Result, 0, len(order))
	var errs []error
	for _, subject := range order {
		result, err := o.handleGroup(ctx, subject, groups[subject])
		if err != nil {
			errs = append(errs, err)
		}
		results = append(results, result)
	}
	return results, errors.Join(errs...)
}

func (o *Orchestrator) handleGroup(ctx context.Context, subject string, events []model.SecurityEvent) (Result, error) {
	result := Result{Subject: subject, Action: model.ResponseNone}
	var blockEvent *model.SecurityEvent
	for i := range events {
		ev := &events[i]
		if ev.ResponseAction.Rank() > result.Action.Rank() {
			result.Action = ev.ResponseAction
		}
		if ev.ResponseAction == model.ResponseBlockIPTemporary && ev.IPAddress != "" && blockEvent == nil {
			blockEvent = ev
		}
	}
	if result.Action == model.ResponseNone {
		return result, nil
	}

	var errs []error
	if blockEvent != nil {
		reason := fmt.Sprintf("%s (%s)", blockEvent.EventType, blockEvent.RuleID)
		block, err := o.Block(ctx, blockEvent.IPAddress, reason, blockEvent.RuleID, o.config.BlockDuration)
		result.Block = block
		if err != nil {
			errs = append(errs, err)
		}
	}

	var geo map[string]any
	if o.enricher != nil && subject != "" {
		if ip := events[0].IPAddress; ip != "" {
			geo = o.enricher.Enrich(ip)
		}
	}

	for i := range events {
		ev := &events[i]
		if ev.ResponseAction == model.ResponseNone {
			continue
		}
		alert := o.newAlert(ev, result.Block, geo)
		if err := o.alerts.Create(ctx, alert); err != nil {
			metrics.PersistenceErrors.WithLabelValues("alerts").Inc()
			slog.Error("Failed to create security alert", "rule", ev.RuleID, "ip", ev.IPAddress, "error", err)
			errs = append(errs, err)
			continue
		}
		result.Alerts = append(result.Alerts, alert)
		if alert.Priority && o.notifier != nil {
			if err := o.notifier.Deliver(ctx, alert); err != nil {
				slog.Error("Failed to deliver priority alert", "alertID", alert.AlertID, "error", err)
				errs = append(errs, err)
			}
		}
	}
	return result, errors.Join(errs...)
}

func (o *Orchestrator) newAlert(ev *model.SecurityEvent, block *model.BlockRecord, geo map[string]any) *model.SecurityAlert {
	details := make(map[string]any, len(ev.Details)+4)
	for k, v := range ev.Details {
		details[k] = v
	}
	details["event_id"] = ev.EventID
	details["response_action"] = string(ev.ResponseAction)
	if ev.LogID != "" {
		details["log_id"] = ev.LogID
	}
	if ev.Endpoint != "" {
		details["endpoint"] = ev.Endpoint
	}
	if block != nil {
		details["blocked_until"] = block.ExpiresAt
	}
	if geo != nil {
		details["geo"] = geo
	}

	name, _ := ev.Details["rule_name"].(string)
	if name == "" {
		name = string(ev.EventType)
	}
	source := ev.IPAddress
	if source == "" {
		source = "user " + ev.UserID
	}
	return &model.SecurityAlert{
		ThreatLevel: ev.ThreatLevel,
		EventType:   ev.EventType,
		SourceIP:    ev.IPAddress,
		UserID:      ev.UserID,
		Description: fmt.Sprintf("%s detected from %s", name, source),
		Details:     details,
		Priority:    ev.ResponseAction == model.ResponseEscalate,
		RuleID:      ev.RuleID,
		EventIDs:    []string{ev.EventID},
		CreatedAt:   o.now(),
	}
}

// Block blocks ip until now+duration. An existing later expiry is never shortened.
// The block is applied locally before the store write, so a store failure returns
// the local record together with the error.
func (o *Orchestrator) Block(ctx context.Context, ip, reason, ruleID string, duration time.Duration) (*model.BlockRecord, error) {
	if duration <= 0 {
		duration = o.config.BlockDuration
	}
	if o.config.MaxBlock > 0 && duration > o.config.MaxBlock {
		duration = o.config.MaxBlock
	}
	now := o.now()
	expiresAt := o.mirror.extend(ip, now.Add(duration))

	record, err := o.blocks.Update(ctx, ip, func(cur *model.BlockRecord) (*model.BlockRecord, time.Duration, error) {
		if cur != nil && cur.Active(now) && !cur.ExpiresAt.Before(expiresAt) {
			return nil, 0, nil
		}
		next := &model.BlockRecord{
			IPAddress: ip,
			Reason:    reason,
			RuleID:    ruleID,
			CreatedAt: now,
			ExpiresAt: expiresAt,
		}
		if cur != nil && cur.Active(now) {
			next.CreatedAt = cur.CreatedAt
		}
		return next, expiresAt.Sub(now), nil
	})
	if err != nil {
		metrics.Blocks.WithLabelValues("store_error").Inc()
		metrics.PersistenceErrors.WithLabelValues("blocks").Inc()
		slog.Error("Failed to persist block record, blocking locally", "ip", ip, "until", expiresAt, "error", err)
		return &model.BlockRecord{IPAddress: ip, Reason: reason, RuleID: ruleID, CreatedAt: now, ExpiresAt: expiresAt}, err
	}
	o.mirror.confirm(ip, record.ExpiresAt)
	if err := o.blocks.Indexes().IndexAdd(ctx, ip, float64(record.ExpiresAt.UnixMilli()), o.config.MaxBlock, params.TimeIndexName); err != nil {
		slog.Warn("Failed to index block record", "ip", ip, "error", err)
	}
	metrics.Blocks.WithLabelValues("applied").Inc()
	slog.Warn("IP address blocked", "ip", ip, "until", record.ExpiresAt, "reason", reason)
	return &record, nil
}

// activeBlock reads the stored block of ip. When the store answers without an
// active block, mirror entries it already held are dropped, so an unblock made
// through another instance takes effect here too.
func (o *Orchestrator) activeBlock(ctx context.Context, ip string, now time.Time) (*model.BlockRecord, error) {
	record, err := o.blocks.Get(ctx, ip)
	if err == nil && record.Active(now) {
		return &record, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	o.mirror.forget(ip)
	return nil, nil
}

// IsBlocked reports whether ip is currently blocked. Expiry relies on the store TTL
// plus a check of the stored expires_at. On store errors the local mirror decides
// and the error is returned alongside.
func (o *Orchestrator) IsBlocked(ctx context.Context, ip string) (bool, error) {
	now := o.now()
	record, err := o.activeBlock(ctx, ip, now)
	if record != nil {
		return true, nil
	}
	_, ok := o.mirror.expiresAt(ip, now)
	return ok, err
}

// BlockStatus returns the active block of ip or store.ErrNotFound.
func (o *Orchestrator) BlockStatus(ctx context.Context, ip string) (*model.BlockRecord, error) {
	now := o.now()
	record, err := o.activeBlock(ctx, ip, now)
	if record != nil {
		return record, nil
	}
	if expiresAt, ok := o.mirror.expiresAt(ip, now); ok {
		return &model.BlockRecord{IPAddress: ip, Reason: "local", ExpiresAt: expiresAt}, err
	}
	if err != nil {
		return nil, err
	}
	return nil, store.ErrNotFound
}

// ActiveBlocks lists blocks that have not expired yet.
func (o *Orchestrator) ActiveBlocks(ctx context.Context) ([]model.BlockRecord, error) {
	now := o.now()
	storage := o.blocks.Indexes()
	if err := storage.IndexTrim(ctx, params.TimeIndexName, float64(now.UnixMilli())); err != nil {
		return nil, err
	}
	ips, err := storage.IndexRange(ctx, params.TimeIndexName, float64(now.UnixMilli()), math.Inf(1), 0, 0)
	if err != nil {
		return nil, err
	}
	records, err := o.blocks.GetMany(ctx, ips)
	if err != nil {
		return nil, err
	}
	active := records[:0]
	for _, r := range records {
		if r.Active(now) {
			active = append(active, r)
		}
	}
	return active, nil
}

// Unblock removes the block of ip from the store and the local mirror. A block
// only known locally counts as found.
func (o *Orchestrator) Unblock(ctx context.Context, ip string) error {
	local := o.mirror.remove(ip)
	if err := o.blocks.Indexes().IndexRemove(ctx, params.TimeIndexName, ip); err != nil {
		return err
	}
	err := o.blocks.Delete(ctx, ip)
	if errors.Is(err, store.ErrNotFound) && local {
		err = nil
	}
	if err == nil {
		metrics.Blocks.WithLabelValues("removed").Inc()
		slog.Info("IP address unblocked", "ip", ip)
	}
	return err
}

func NewOrchestrator(storage store.Storage, alerts AlertCreator, config Config) *Orchestrator {
	if config.BlockDuration <= 0 {
		config.BlockDuration = params.DefaultBlockDuration
	}
	if config.MaxBlock <= 0 {
		config.MaxBlock = params.MaxBlockDuration
	}
	return &Orchestrator{
		config: config,
		blocks: store.New[model.BlockRecord](storage, params.BlockKeyPrefix),
		alerts: alerts,
		mirror: newBlockMirror(),
		now:    time.Now,
	}
}
