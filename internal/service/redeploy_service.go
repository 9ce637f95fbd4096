package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/chiwei-platform/topology-engine/internal/port"
	"github.com/chiwei-platform/topology-engine/internal/redeploy"
	"github.com/chiwei-platform/topology-engine/internal/telemetry"
	"github.com/google/uuid"
)

// RedeployService 消费密钥变更并强制替换命中的单元，每次替换都留下记录。
type RedeployService struct {
	dispatcher *redeploy.Dispatcher
	replacer   port.Replacer
	records    port.RedeployRepository
	catalog    *UnitCatalog
	metrics    *telemetry.Metrics
}

func NewRedeployService(
	dispatcher *redeploy.Dispatcher,
	replacer port.Replacer,
	records port.RedeployRepository,
	catalog *UnitCatalog,
	metrics *telemetry.Metrics,
) *RedeployService {
	return &RedeployService{
		dispatcher: dispatcher,
		replacer:   replacer,
		records:    records,
		catalog:    catalog,
		metrics:    metrics,
	}
}

// Run 持续监听 source 直到 ctx 结束。回调串行处理，重复投递只会多一次滚动替换。
func (s *RedeployService) Run(ctx context.Context, source port.ChangeSource) error {
	events := make(chan domain.ChangeEvent, 64)
	done := make(chan error, 1)
	go func() {
		done <- source.Watch(ctx, func(ev domain.ChangeEvent) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			s.drain(ctx, events)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case ev := <-events:
			s.HandleEvent(ctx, ev)
		}
	}
}

// drain 处理监听结束前已投递的事件。
func (s *RedeployService) drain(ctx context.Context, events <-chan domain.ChangeEvent) {
	for {
		select {
		case ev := <-events:
			s.HandleEvent(ctx, ev)
		default:
			return
		}
	}
}

// HandleEvent 分发一条变更通知，返回处理结果。
func (s *RedeployService) HandleEvent(ctx context.Context, ev domain.ChangeEvent) []redeploy.Outcome {
	outcomes, err := s.dispatcher.Dispatch(ctx, ev)
	if len(outcomes) == 0 {
		slog.Debug("change event matched no trigger", "key", ev.Key, "operation", ev.Operation)
		return nil
	}
	for _, o := range outcomes {
		s.record(ctx, o.Unit, ev, o.Err)
	}
	if err != nil {
		slog.Warn("redeploy partially failed", "key", ev.Key, "operation", ev.Operation, "error", err)
	}
	return outcomes
}

// Redeploy 人工触发一次强制替换，单元须已下发。
func (s *RedeployService) Redeploy(ctx context.Context, ref domain.UnitRef) (*domain.RedeployRecord, error) {
	if s.catalog != nil {
		if _, err := s.catalog.Get(ref); err != nil {
			return nil, err
		}
	}
	ev := domain.ChangeEvent{Key: "manual", Operation: domain.ChangeUpdate, ObservedAt: time.Now()}
	err := s.replacer.ForceReplace(ctx, ref)
	return s.record(ctx, ref, ev, err), err
}

func (s *RedeployService) History(ctx context.Context, ref domain.UnitRef, limit int) ([]*domain.RedeployRecord, error) {
	if s.records == nil {
		return nil, nil
	}
	return s.records.FindByUnit(ctx, ref.String(), limit)
}

func (s *RedeployService) record(ctx context.Context, ref domain.UnitRef, ev domain.ChangeEvent, err error) *domain.RedeployRecord {
	rec := &domain.RedeployRecord{
		ID:        uuid.New().String(),
		Unit:      ref.String(),
		Key:       ev.Key,
		Operation: ev.Operation,
		Outcome:   domain.RedeploySucceeded,
		CreatedAt: time.Now(),
	}
	if err != nil {
		rec.Outcome = domain.RedeployFailed
		rec.Error = err.Error()
	}
	if s.metrics != nil {
		s.metrics.Redeploys.WithLabelValues(rec.Unit, telemetry.Outcome(err)).Inc()
	}
	slog.Info("unit redeployed", "unit", rec.Unit, "key", ev.Key, "operation", ev.Operation, "outcome", rec.Outcome)

	if s.records != nil {
		if serr := s.records.Save(context.WithoutCancel(ctx), rec); serr != nil {
			slog.Warn("save redeploy record failed", "unit", rec.Unit, "error", serr)
		}
	}
	return rec
}
