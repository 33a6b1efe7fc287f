package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"autochat/internal/eventbus"
	logx "autochat/pkg/logx"
)

func (s *Service) worker(ctx context.Context) {
	for {
		// A cancelled context wins over queued work.
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case qj := <-s.q:
			s.inFlight.Add(1)
			s.execOne(ctx, qj)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qj queuedJob) {
	start := time.Now()
	queueDelay := max(start.Sub(qj.enqueuedAt), 0)
	j := qj.job

	s.log.Debug("job started", logx.String("job", j.Name), logx.String("id", j.ID), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TaskStarted, JobEvent{ID: j.ID, Name: j.Name, Started: start, QueueDelay: queueDelay})

	var err error
	func() {
		// One bad job must not kill the worker.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("job panicked", logx.String("job", j.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = j.Run(ctx)
	}()

	dur := time.Since(start)
	item := HistoryItem{ID: j.ID, Name: j.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev := JobEvent{ID: j.ID, Name: j.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.failed.Add(1)
		s.log.Warn("job failed", logx.String("job", j.Name), logx.String("id", j.ID), logx.Duration("dur", dur), logx.Err(err))
		s.publish(eventbus.TaskFailed, ev)
	} else {
		s.completed.Add(1)
		s.log.Debug("job completed", logx.String("job", j.Name), logx.String("id", j.ID), logx.Duration("dur", dur))
		s.publish(eventbus.TaskCompleted, ev)
	}

	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(topic string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: time.Now(), Data: ev})
}
