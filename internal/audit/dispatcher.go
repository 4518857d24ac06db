// Package audit fans security log entries out to external sinks after the
// account record has been saved.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"twofa-service/internal/bucketing"
	"twofa-service/internal/models"
	"twofa-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sink receives a batch of events belonging to one account.
type Sink interface {
	Name() string
	Write(ctx context.Context, events []models.SecurityEvent) error
}

type Dispatcher struct {
	sinks   []Sink
	buckets *bucketing.BucketingManager
	timeout time.Duration
}

func NewDispatcher(buckets *bucketing.BucketingManager, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Dispatcher{sinks: sinks, buckets: buckets, timeout: timeout}
}

func (d *Dispatcher) Sinks() []string {
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	return names
}

// BuildEvents enriches log entries with ids and partition buckets.
func (d *Dispatcher) BuildEvents(key models.AccountKey, entries []models.SecurityLogEntry) []models.SecurityEvent {
	k := key.String()
	events := make([]models.SecurityEvent, 0, len(entries))
	for _, e := range entries {
		b := d.buckets.GetBucketAssignment(k, e.Timestamp)
		events = append(events, models.SecurityEvent{
			EventID:       uuid.NewString(),
			AccountBucket: b.AccountBucket,
			EventBucket:   b.EventBucket,
			AccountID:     key.AccountID,
			AccountClass:  key.AccountClass,
			EventDate:     b.DateBucket,
			Action:        e.Action,
			Status:        e.Status,
			IPAddress:     e.IPAddress,
			DeviceInfo:    e.DeviceInfo,
			Details:       e.Details,
			Timestamp:     e.Timestamp,
		})
	}
	return events
}

// Dispatch writes entries to every sink concurrently. Each sink failure is
// logged; the joined error is returned for callers that care.
func (d *Dispatcher) Dispatch(ctx context.Context, key models.AccountKey, entries []models.SecurityLogEntry) error {
	if len(entries) == 0 || len(d.sinks) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	events := d.BuildEvents(key, entries)
	errs := make([]error, len(d.sinks))

	var g errgroup.Group
	for i, sink := range d.sinks {
		i, sink := i, sink
		g.Go(func() error {
			if err := sink.Write(ctx, events); err != nil {
				util.Error("Audit sink write failed",
					zap.String("sink", sink.Name()),
					util.Account(key.String()),
					zap.Int("events", len(events)),
					zap.Error(err))
				errs[i] = fmt.Errorf("%s: %w", sink.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}
