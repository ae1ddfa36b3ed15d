package jobcore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/mengeric/jobcore/broadcast"
	"github.com/mengeric/jobcore/model"
	"github.com/mengeric/jobcore/processor"
	"github.com/mengeric/jobcore/processor/example"
	"github.com/mengeric/jobcore/queue"
	"github.com/mengeric/jobcore/storage/memstore"
)

type inbox struct {
	mu  sync.Mutex
	got map[string][]model.Event
}

func (b *inbox) sender() broadcast.Sender {
	return broadcast.SenderFunc(func(_ context.Context, observer string, ev model.Event) error {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.got[observer] = append(b.got[observer], ev)
		return nil
	})
}

func (b *inbox) statuses(observer string) []model.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.Status
	for _, ev := range b.got[observer] {
		if ev.Type == model.EventJobUpdate {
			out = append(out, ev.Status)
		}
	}
	return out
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func newTestService(opts ...Option) (*Service, *inbox) {
	box := &inbox{got: map[string][]model.Event{}}
	procs := processor.NewRegistry()
	procs.MustRegister(example.Definition())
	base := []Option{
		WithOptions(Options{
			Queue:             queue.Config{Concurrency: 2, Timeout: time.Second, RetryDelay: 10 * time.Millisecond, Tick: 5 * time.Millisecond, NodeID: "test"},
			MetricsInterval:   time.Hour,
			DisableSystemScan: true,
		}),
		WithSender(box.sender()),
		WithProcessors(procs),
		WithResourceProbe(func(context.Context) model.ResourceUsage {
			return model.ResourceUsage{CPUPercent: 5, Score: 95, SampledAt: time.Now()}
		}),
	}
	return NewService(append(base, opts...)...), box
}

func TestService_SubmitAndObserve(t *testing.T) {
	Convey("a subscribed observer sees the job walk to completion", t, func() {
		store := memstore.New()
		svc, box := newTestService(WithStore(store))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		svc.Start(ctx)

		gate := make(chan struct{})
		id, err := svc.SubmitJob(ctx, SubmitRequest{Type: "custom", Body: func(ctx context.Context, in model.Payload) (map[string]any, error) {
			<-gate
			_ = processor.ReporterFrom(ctx).Progress(50, "halfway")
			return map[string]any{"ok": true}, nil
		}})
		So(err, ShouldBeNil)
		So(waitFor(func() bool {
			j, _ := svc.GetJob(ctx, id)
			return j.Status == model.StatusProcessing
		}), ShouldBeTrue)

		So(svc.Subscribe("obs-1", id), ShouldBeNil)
		close(gate)
		So(waitFor(func() bool {
			j, _ := svc.GetJob(ctx, id)
			return j.Status == model.StatusCompleted
		}), ShouldBeTrue)
		So(waitFor(func() bool { return len(box.statuses("obs-1")) >= 2 }), ShouldBeTrue)
		So(box.statuses("obs-1"), ShouldResemble, []model.Status{model.StatusProcessing, model.StatusCompleted})

		j, _ := svc.GetJob(ctx, id)
		So(j.OutputData["ok"], ShouldEqual, true)
		So(j.EstimatedCompletionTime, ShouldNotBeNil)
		So(j.ResourceUsage, ShouldNotBeNil)
		So(j.ResourceUsage.Score, ShouldEqual, 95)
		So(svc.GetHistory(model.JobFilter{}, model.Page{}).Total, ShouldEqual, 1)
		So(svc.GetJobMetrics().Completed, ShouldEqual, 1)
		p, err := svc.GetExecutionTimePercentile(95)
		So(err, ShouldBeNil)
		So(p, ShouldBeGreaterThan, 0)

		So(svc.Close(context.Background()), ShouldBeNil)
		stored, err := store.GetJob(context.Background(), id)
		So(err, ShouldBeNil)
		So(stored.Status, ShouldEqual, model.StatusCompleted)
	})
}

func TestService_Validation(t *testing.T) {
	Convey("payloads are checked against registered types", t, func() {
		svc, _ := newTestService()
		ctx := context.Background()

		_, err := svc.SubmitJob(ctx, SubmitRequest{Type: "unknown"})
		So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
		_, err = svc.SubmitJob(ctx, SubmitRequest{Type: example.SleepType, Params: map[string]any{"sleepMS": "slow"}})
		So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
		bad := -1
		_, err = svc.SubmitJob(ctx, SubmitRequest{Type: example.SleepType, MaxRetries: &bad})
		So(errors.Is(err, model.ErrValidation), ShouldBeTrue)

		high := model.PriorityHigh
		id, err := svc.SubmitJob(ctx, SubmitRequest{Type: example.SleepType, Priority: &high, Params: map[string]any{"sleepMS": 10.0}})
		So(err, ShouldBeNil)
		j, _ := svc.GetJob(ctx, id)
		So(j.Priority, ShouldEqual, model.PriorityHigh)
		So(j.Status, ShouldEqual, model.StatusQueued)

		_, err = svc.UpdateProgress(id, 150, "")
		So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
		So(errors.Is(svc.Subscribe("o", ""), model.ErrValidation), ShouldBeTrue)
		_ = svc.Close(ctx)
	})
}

func TestService_CancelAndAlerts(t *testing.T) {
	Convey("cancel and failure alerts", t, func() {
		svc, _ := newTestService()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		id, _ := svc.SubmitJob(ctx, SubmitRequest{Type: example.SleepType, Params: map[string]any{"sleepMS": 10.0}})
		j, err := svc.CancelJob(id, "no longer needed")
		So(err, ShouldBeNil)
		So(j.Status, ShouldEqual, model.StatusCancelled)
		_, err = svc.CancelJob(id, "again")
		So(errors.Is(err, model.ErrInvalidState), ShouldBeTrue)
		_, err = svc.CancelJob("missing", "")
		So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)

		svc.Start(ctx)
		zero := 0
		failing, _ := svc.SubmitJob(ctx, SubmitRequest{Type: example.SleepType, MaxRetries: &zero, Params: map[string]any{"sleepMS": 5.0, "steps": 1.0, "fail": true}})
		So(waitFor(func() bool {
			j, _ := svc.GetJob(ctx, failing)
			return j.Status == model.StatusFailed
		}), ShouldBeTrue)

		alerts := svc.SweepAlerts(ctx)
		So(alerts, ShouldHaveLength, 1)
		So(alerts[0].JobID, ShouldEqual, failing)
		st := svc.GetAlertStatistics()
		So(st.ByType[model.AlertJobFailure], ShouldEqual, 1)

		resolved, err := svc.ResolveAlert(alerts[0].ID)
		So(err, ShouldBeNil)
		So(resolved.Resolved, ShouldBeTrue)
		So(svc.GetAlerts(model.AlertFilter{}, model.Page{}).Total, ShouldEqual, 1)

		stats := svc.QueueStats()
		So(stats.Failed, ShouldEqual, 1)
		So(stats.Cancelled, ShouldEqual, 1)
		So(svc.Close(context.Background()), ShouldBeNil)
	})
}
