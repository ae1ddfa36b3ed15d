package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/mengeric/jobcore/model"
	"github.com/mengeric/jobcore/registry"
)

func waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func intPtr(v int) *int { return &v }

func sleepBody(d time.Duration) Body {
	return func(ctx context.Context, _ model.Payload) (map[string]any, error) {
		select {
		case <-time.After(d):
			return map[string]any{"slept": d.String()}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type countingRecorder struct {
	mu  sync.Mutex
	got []model.Status
}

func (r *countingRecorder) RecordOutcome(j model.Job, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, j.Status)
}

// statusTrail 按任务记录状态变化序列。
type statusTrail struct {
	mu  sync.Mutex
	got map[string][]model.Status
}

func (s *statusTrail) record(j model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.got == nil {
		s.got = map[string][]model.Status{}
	}
	if seq := s.got[j.ID]; len(seq) > 0 && seq[len(seq)-1] == j.Status {
		return
	}
	s.got[j.ID] = append(s.got[j.ID], j.Status)
}

func (s *statusTrail) of(id string) []model.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Status(nil), s.got[id]...)
}

func TestQueue_BoundedConcurrency(t *testing.T) {
	Convey("five jobs with concurrency two all complete and never exceed two processing", t, func() {
		var peak atomic.Int32
		reg := registry.New(registry.WithListener(func(model.Job) {}))
		q := New(Config{Concurrency: 2, Timeout: time.Second, Tick: 10 * time.Millisecond, NodeID: "n1"}, reg)
		rec := &countingRecorder{}
		q.SetRecorder(rec)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		q.Start(ctx)

		var ids []string
		for i := 0; i < 5; i++ {
			id, err := q.Submit(ctx, Request{Type: "report", Body: sleepBody(100 * time.Millisecond)})
			So(err, ShouldBeNil)
			ids = append(ids, id)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				n := int32(reg.Counts()[model.StatusProcessing])
				if n > peak.Load() {
					peak.Store(n)
				}
				if reg.Counts()[model.StatusCompleted] == 5 {
					return
				}
				time.Sleep(2 * time.Millisecond)
			}
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
		}

		So(peak.Load(), ShouldBeLessThanOrEqualTo, 2)
		for _, id := range ids {
			j, err := q.GetStatus(id)
			So(err, ShouldBeNil)
			So(j.Status, ShouldEqual, model.StatusCompleted)
			So(j.Progress, ShouldEqual, 100)
			So(j.WorkerID, ShouldStartWith, "n1-w")
			_, ok := reg.HistoryOf(id)
			So(ok, ShouldBeTrue)
		}
		So(rec.got, ShouldHaveLength, 5)
		st := q.Stats()
		So(st.Completed, ShouldEqual, 5)
		So(st.Processing, ShouldEqual, 0)
		So(st.Concurrency, ShouldEqual, 2)
	})
}

func TestQueue_RetryAndTimeout(t *testing.T) {
	Convey("a job that always fails is retried then archived as failed", t, func() {
		var attempts atomic.Int32
		reg := registry.New()
		q := New(Config{Concurrency: 1, Timeout: time.Second, MaxRetries: 2, RetryDelay: 10 * time.Millisecond, Tick: 5 * time.Millisecond}, reg)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		q.Start(ctx)

		id, err := q.Submit(ctx, Request{Type: "fairness_check", Body: func(context.Context, model.Payload) (map[string]any, error) {
			attempts.Add(1)
			return nil, errors.New("boom")
		}})
		So(err, ShouldBeNil)
		So(waitFor(func() bool {
			j, _ := q.GetStatus(id)
			return j.Status == model.StatusFailed
		}, 2*time.Second), ShouldBeTrue)

		j, _ := q.GetStatus(id)
		So(j.RetryCount, ShouldEqual, 2)
		So(attempts.Load(), ShouldEqual, 3)
		So(j.ErrorMessage, ShouldContainSubstring, "boom")
		So(j.FailedAt, ShouldNotBeNil)
		So(j.TimedOut, ShouldBeFalse)
		h, ok := reg.HistoryOf(id)
		So(ok, ShouldBeTrue)
		So(h.Job.Status, ShouldEqual, model.StatusFailed)
	})

	Convey("every retry passes through retrying and back to queued", t, func() {
		trail := &statusTrail{}
		reg := registry.New(registry.WithListener(trail.record))
		q := New(Config{Concurrency: 1, Timeout: time.Second, MaxRetries: 2, RetryDelay: 10 * time.Millisecond, Tick: 5 * time.Millisecond}, reg)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		q.Start(ctx)

		id, _ := q.Submit(ctx, Request{Type: "fairness_check", Body: func(context.Context, model.Payload) (map[string]any, error) {
			return nil, errors.New("boom")
		}})
		So(waitFor(func() bool {
			j, _ := q.GetStatus(id)
			return j.Status == model.StatusFailed
		}, 2*time.Second), ShouldBeTrue)
		So(trail.of(id), ShouldResemble, []model.Status{
			model.StatusPending, model.StatusQueued,
			model.StatusProcessing, model.StatusRetrying, model.StatusQueued,
			model.StatusProcessing, model.StatusRetrying, model.StatusQueued,
			model.StatusProcessing, model.StatusFailed,
		})
	})

	Convey("a body that outlives the timeout fails with a timeout error", t, func() {
		reg := registry.New()
		q := New(Config{Concurrency: 1, Timeout: 50 * time.Millisecond, Tick: 5 * time.Millisecond}, reg)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		q.Start(ctx)

		id, _ := q.Submit(ctx, Request{Type: "slow", MaxRetries: intPtr(0), Body: func(context.Context, model.Payload) (map[string]any, error) {
			time.Sleep(300 * time.Millisecond)
			return map[string]any{}, nil
		}})
		So(waitFor(func() bool {
			j, _ := q.GetStatus(id)
			return j.Status == model.StatusFailed
		}, time.Second), ShouldBeTrue)
		j, _ := q.GetStatus(id)
		So(j.TimedOut, ShouldBeTrue)
		So(strings.Contains(j.ErrorMessage, "timed out"), ShouldBeTrue)
		So(q.Stats().Processing, ShouldEqual, 0)

		Convey("the late result of the abandoned body is discarded", func() {
			time.Sleep(350 * time.Millisecond)
			again, _ := q.GetStatus(id)
			So(again.Status, ShouldEqual, model.StatusFailed)
		})
	})

	Convey("a body that never returns fails shortly after the timeout", t, func() {
		reg := registry.New()
		q := New(Config{Concurrency: 1, Timeout: 50 * time.Millisecond, Tick: 5 * time.Millisecond}, reg)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		q.Start(ctx)

		start := time.Now()
		id, _ := q.Submit(ctx, Request{Type: "hang", MaxRetries: intPtr(0), Body: func(context.Context, model.Payload) (map[string]any, error) {
			select {}
		}})
		So(waitFor(func() bool {
			j, _ := q.GetStatus(id)
			return j.Status == model.StatusFailed
		}, 250*time.Millisecond), ShouldBeTrue)
		So(time.Since(start), ShouldBeLessThan, 250*time.Millisecond)
		j, _ := q.GetStatus(id)
		So(j.TimedOut, ShouldBeTrue)
		So(q.Stats().Processing, ShouldEqual, 0)
	})

	Convey("a panicking body is contained as a failure", t, func() {
		reg := registry.New()
		q := New(Config{Concurrency: 1, Timeout: time.Second, Tick: 5 * time.Millisecond}, reg)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		q.Start(ctx)
		id, _ := q.Submit(ctx, Request{Type: "x", Body: func(context.Context, model.Payload) (map[string]any, error) {
			panic("kaboom")
		}})
		So(waitFor(func() bool {
			j, _ := q.GetStatus(id)
			return j.Status == model.StatusFailed
		}, time.Second), ShouldBeTrue)
		j, _ := q.GetStatus(id)
		So(j.ErrorMessage, ShouldContainSubstring, "kaboom")
		So(j.ErrorStack, ShouldNotBeEmpty)
	})
}

func TestQueue_PriorityOrder(t *testing.T) {
	Convey("waiting jobs are ordered by priority then submission", t, func() {
		reg := registry.New()
		q := New(Config{Concurrency: 1, Timeout: time.Second}, reg)
		ctx := context.Background()
		release := make(chan struct{})
		blocker, _ := q.Submit(ctx, Request{Type: "x", Body: func(ctx context.Context, _ model.Payload) (map[string]any, error) {
			<-release
			return nil, nil
		}})
		So(q.Tick(), ShouldEqual, 1)

		low, _ := q.Submit(ctx, Request{Type: "x", Priority: model.PriorityLow, Body: sleepBody(time.Second)})
		normal, _ := q.Submit(ctx, Request{Type: "x", Priority: model.PriorityNormal, Body: sleepBody(time.Second)})
		high1, _ := q.Submit(ctx, Request{Type: "x", Priority: model.PriorityHigh, Body: sleepBody(time.Second)})
		high2, _ := q.Submit(ctx, Request{Type: "x", Priority: model.PriorityHigh, Body: sleepBody(time.Second)})

		So(q.Waiting(), ShouldResemble, []string{high1, high2, normal, low})
		So(q.Tick(), ShouldEqual, 0)
		So(q.Running(), ShouldResemble, []string{blocker})

		close(release)
		So(waitFor(func() bool { return q.Stats().Processing == 0 }, time.Second), ShouldBeTrue)
		So(q.Tick(), ShouldEqual, 1)
		So(q.Waiting(), ShouldResemble, []string{high2, normal, low})
	})

	Convey("submit rejects invalid requests", t, func() {
		q := New(Config{}, registry.New())
		_, err := q.Submit(context.Background(), Request{Type: "x"})
		So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
		_, err = q.Submit(context.Background(), Request{Body: sleepBody(0)})
		So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
	})
}

func TestQueue_Cancel(t *testing.T) {
	Convey("cancelling a waiting job removes it from the queue", t, func() {
		reg := registry.New()
		q := New(Config{Concurrency: 1}, reg)
		id, _ := q.Submit(context.Background(), Request{Type: "x", Body: sleepBody(0)})
		ok, err := q.Cancel(id, "user")
		So(err, ShouldBeNil)
		So(ok, ShouldBeTrue)
		So(q.Waiting(), ShouldBeEmpty)
		So(q.Tick(), ShouldEqual, 0)
		j, _ := q.GetStatus(id)
		So(j.Status, ShouldEqual, model.StatusCancelled)
		So(j.StartedAt, ShouldBeNil)

		_, err = q.Cancel(id, "again")
		So(errors.Is(err, model.ErrInvalidState), ShouldBeTrue)
		_, err = q.Cancel("missing", "")
		So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
	})

	Convey("cancelling a processing job signals the body and holds the slot until it returns", t, func() {
		reg := registry.New()
		q := New(Config{Concurrency: 1, Timeout: time.Second}, reg)
		observed := make(chan struct{})
		exit := make(chan struct{})
		id, _ := q.Submit(context.Background(), Request{Type: "x", Body: func(ctx context.Context, _ model.Payload) (map[string]any, error) {
			<-ctx.Done()
			close(observed)
			<-exit
			return map[string]any{"late": true}, nil
		}})
		So(q.Tick(), ShouldEqual, 1)

		ok, err := q.Cancel(id, "stop")
		So(err, ShouldBeNil)
		So(ok, ShouldBeTrue)
		select {
		case <-observed:
		case <-time.After(time.Second):
			t.Fatal("body did not observe cancellation")
		}
		So(q.Stats().Processing, ShouldEqual, 1)

		close(exit)
		So(waitFor(func() bool { return q.Stats().Processing == 0 }, time.Second), ShouldBeTrue)
		j, _ := q.GetStatus(id)
		So(j.Status, ShouldEqual, model.StatusCancelled)
		So(j.OutputData, ShouldBeNil)
		So(j.CancelReason, ShouldEqual, "stop")
	})

	Convey("close cancels in-flight bodies and waits for them", t, func() {
		q := New(Config{Concurrency: 2, Timeout: time.Second}, registry.New())
		_, _ = q.Submit(context.Background(), Request{Type: "x", Body: sleepBody(time.Minute)})
		So(q.Tick(), ShouldEqual, 1)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		So(q.Close(ctx), ShouldBeNil)
		So(q.Stats().Processing, ShouldEqual, 0)
	})

	Convey("close leaves no job in a non-terminal state", t, func() {
		reg := registry.New()
		q := New(Config{Concurrency: 2, Timeout: time.Second, MaxRetries: 3, RetryDelay: time.Hour}, reg)
		ctx := context.Background()
		running, _ := q.Submit(ctx, Request{Type: "x", Body: sleepBody(time.Minute)})
		flaky, _ := q.Submit(ctx, Request{Type: "x", Body: func(context.Context, model.Payload) (map[string]any, error) {
			return nil, errors.New("flaky")
		}})
		So(q.Tick(), ShouldEqual, 2)
		So(waitFor(func() bool { return q.Stats().Retrying == 1 }, time.Second), ShouldBeTrue)
		waiting, _ := q.Submit(ctx, Request{Type: "x", Body: sleepBody(0)})

		closeCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		So(q.Close(closeCtx), ShouldBeNil)

		j, _ := q.GetStatus(running)
		So(j.Status, ShouldEqual, model.StatusCancelled)
		So(j.CancelReason, ShouldEqual, "dispatcher closed")
		So(j.RetryCount, ShouldEqual, 0)

		j, _ = q.GetStatus(flaky)
		So(j.Status, ShouldEqual, model.StatusFailed)
		So(j.RetryCount, ShouldEqual, 1)
		So(j.ErrorMessage, ShouldContainSubstring, "flaky")

		j, _ = q.GetStatus(waiting)
		So(j.Status, ShouldEqual, model.StatusCancelled)

		for _, id := range []string{running, flaky, waiting} {
			_, ok := reg.HistoryOf(id)
			So(ok, ShouldBeTrue)
		}
		st := q.Stats()
		So(st.Retrying, ShouldEqual, 0)
		So(st.Queued, ShouldEqual, 0)
	})
}
