package activitypub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/blogpub/domain"
	"github.com/deemkeen/blogpub/metrics"
	"golang.org/x/sync/errgroup"
)

const maxLoggedBody = 4096

// CycleResult summarizes one delivery cycle
type CycleResult struct {
	Pending   int
	Delivered int
	Failed    int
	Skipped   bool // another cycle held the lock
}

// StartDeliveryWorker runs a delivery cycle every interval until ctx is done
func (d *Dispatcher) StartDeliveryWorker(ctx context.Context, interval time.Duration) {
	log.Infof("Starting ActivityPub delivery worker (every %s)...", interval)

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info("DeliveryWorker: stopped")
				return
			case <-ticker.C:
				if _, err := d.RunDeliveryCycle(ctx); err != nil {
					log.Errorf("DeliveryWorker: cycle failed: %v", err)
				}
			}
		}
	}()
}

// RunDeliveryCycle attempts every undelivered target that has retries left.
// Rows are selected in (retries, created, target) order. Distinct targets are
// delivered concurrently; items for one target go out sequentially and the
// target is left alone for the rest of the cycle after its first failure,
// so a single inbox never receives activities out of order.
func (d *Dispatcher) RunDeliveryCycle(ctx context.Context) (CycleResult, error) {
	var result CycleResult

	locked, err := d.lock.TryLock(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to take delivery lock: %w", err)
	}
	if !locked {
		log.Info("DeliveryWorker: another delivery cycle is running, skipping")
		result.Skipped = true
		return result, nil
	}
	defer func() {
		if err := d.lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			log.Warnf("DeliveryWorker: failed to release lock: %v", err)
		}
	}()

	pending, err := d.db.ReadPendingDeliveries(ctx, d.settings.SiteId, MaxRetries, d.batchSize)
	if err != nil {
		return result, fmt.Errorf("failed to read pending deliveries: %w", err)
	}
	result.Pending = len(pending)
	metrics.DeliveryCyclePending.Set(float64(len(pending)))
	if len(pending) == 0 {
		return result, nil
	}

	log.Infof("DeliveryWorker: processing %d pending deliveries", len(pending))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(d.workers)

	for _, queue := range groupByTarget(pending) {
		g.Go(func() error {
			for _, p := range queue {
				if ctx.Err() != nil {
					return nil
				}
				err := d.deliver(ctx, p)

				mu.Lock()
				if err != nil {
					result.Failed++
				} else {
					result.Delivered++
				}
				mu.Unlock()

				if err != nil {
					return nil
				}
			}
			return nil
		})
	}
	g.Wait()

	log.Infof("DeliveryWorker: cycle done, %d delivered, %d failed", result.Delivered, result.Failed)
	return result, ctx.Err()
}

// groupByTarget splits rows into per-target queues ordered by first
// appearance. Each queue is sorted by creation and insertion order, so an
// item that failed earlier still goes out before newer ones.
func groupByTarget(pending []domain.PendingDelivery) [][]domain.PendingDelivery {
	index := make(map[string]int)
	var queues [][]domain.PendingDelivery
	for _, p := range pending {
		i, ok := index[p.Target]
		if !ok {
			i = len(queues)
			index[p.Target] = i
			queues = append(queues, nil)
		}
		queues[i] = append(queues[i], p)
	}
	for _, q := range queues {
		sort.SliceStable(q, func(a, b int) bool {
			if !q[a].CreatedAt.Equal(q[b].CreatedAt) {
				return q[a].CreatedAt.Before(q[b].CreatedAt)
			}
			return q[a].Seq < q[b].Seq
		})
	}
	return queues
}

// DeliverItem makes one immediate attempt at every open target of item.
// Failures are recorded like any cycle failure and retried later. When a
// delivery cycle holds the lock the item is left to the worker.
func (d *Dispatcher) DeliverItem(ctx context.Context, item *domain.OutboxItem) error {
	locked, err := d.lock.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("failed to take delivery lock: %w", err)
	}
	if !locked {
		log.Infof("DeliveryWorker: cycle running, leaving %s to the worker", item.ActivityId)
		return nil
	}
	defer func() {
		if err := d.lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			log.Warnf("DeliveryWorker: failed to release lock: %v", err)
		}
	}()

	targets, err := d.db.ReadOutboxTargets(ctx, item.Id)
	if err != nil {
		return fmt.Errorf("failed to read targets of %s: %w", item.ActivityId, err)
	}

	var errs []error
	for _, t := range targets {
		if t.Delivered || t.Retries >= MaxRetries {
			continue
		}
		p := domain.PendingDelivery{
			OutboxId:   item.Id,
			ActivityId: item.ActivityId,
			Activity:   item.Activity,
			CreatedAt:  item.CreatedAt,
			Target:     t.Target,
			Retries:    t.Retries,
		}
		if err := d.deliver(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// deliver sends one activity to one target and records the outcome. The
// network call happens outside of any transaction.
func (d *Dispatcher) deliver(ctx context.Context, p domain.PendingDelivery) error {
	start := time.Now()
	defer func() { metrics.DeliveryDuration.Observe(time.Since(start).Seconds()) }()

	inbox := p.InboxURI
	if inbox == "" {
		actor, err := d.directory.GetActor(ctx, p.Target)
		if err != nil {
			d.recordFailure(ctx, p, nil, fmt.Sprintf("resolving inbox: %v", err))
			return err
		}
		inbox = actor.InboxURI
	}

	status, body, err := d.SendActivity(ctx, inbox, []byte(p.Activity))
	if err != nil {
		var derr *DeliveryError
		if errors.As(err, &derr) {
			d.recordFailure(ctx, p, &derr.StatusCode, derr.Body)
		} else {
			d.recordFailure(ctx, p, nil, err.Error())
		}
		return err
	}

	metrics.DeliveriesTotal.WithLabelValues("success").Inc()
	if err := d.db.MarkDelivered(ctx, p.OutboxId, p.Target, status, body); err != nil {
		log.Errorf("DeliveryWorker: delivered %s to %s but failed to record it: %v", p.ActivityId, p.Target, err)
		return nil
	}
	log.Infof("DeliveryWorker: delivered %s to %s", p.ActivityId, inbox)
	return nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, p domain.PendingDelivery, status *int, detail string) {
	metrics.DeliveriesTotal.WithLabelValues("failure").Inc()
	log.Warnf("DeliveryWorker: delivery of %s to %s failed (attempt %d): %s", p.ActivityId, p.Target, p.Retries+1, detail)
	if p.Retries+1 >= MaxRetries {
		log.Errorf("DeliveryWorker: giving up on %s for %s after %d attempts", p.ActivityId, p.Target, MaxRetries)
	}
	if err := d.db.RecordDeliveryFailure(ctx, p.OutboxId, p.Target, status, truncate(detail, maxLoggedBody)); err != nil {
		log.Errorf("DeliveryWorker: failed to record failure for %s: %v", p.Target, err)
	}
}

// SendActivity signs and POSTs body to inbox. A non-2xx answer is returned
// as *DeliveryError along with the status and body.
func (d *Dispatcher) SendActivity(ctx context.Context, inbox string, body []byte) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentTypeActivity)
	req.Header.Set("Accept", ContentTypeActivity)
	req.Header.Set("User-Agent", UserAgent)

	if err := Sign(req, body, d.settings.PrivateKey, d.settings.KeyId()); err != nil {
		return 0, "", fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, string(respBody), &DeliveryError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return resp.StatusCode, string(respBody), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
