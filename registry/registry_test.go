package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/mock/gomock"

	"github.com/mengeric/jobcore/mocks"
	"github.com/mengeric/jobcore/model"
	"github.com/mengeric/jobcore/storage/memstore"
)

// fakeClock 可手动推进的时钟。
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time { c.mu.Lock(); defer c.mu.Unlock(); return c.t }
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClock() *fakeClock { return &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)} }

func TestRegistry_Lifecycle(t *testing.T) {
	Convey("job walks the lifecycle into exactly one terminal state", t, func() {
		clk := newClock()
		var seen []model.Status
		r := New(WithClock(clk.Now), WithListener(func(j model.Job) { seen = append(seen, j.Status) }))

		j, err := r.Create(Spec{Type: "bias_analysis", Priority: model.PriorityHigh, MaxRetries: 1})
		So(err, ShouldBeNil)
		So(j.Status, ShouldEqual, model.StatusPending)
		So(j.ID, ShouldNotBeEmpty)

		_, err = r.Transition(j.ID, model.StatusQueued, nil)
		So(err, ShouldBeNil)
		clk.Advance(time.Second)
		started := clk.Now()
		_, err = r.Transition(j.ID, model.StatusProcessing, func(x *model.Job) { x.StartedAt = &started })
		So(err, ShouldBeNil)
		clk.Advance(2 * time.Second)
		done, err := r.Transition(j.ID, model.StatusCompleted, func(x *model.Job) { x.OutputData = map[string]any{"ok": true} })
		So(err, ShouldBeNil)
		So(done.CompletedAt, ShouldNotBeNil)
		So(done.FailedAt, ShouldBeNil)
		So(done.CancelledAt, ShouldBeNil)
		So(done.Progress, ShouldEqual, 100)

		So(seen, ShouldResemble, []model.Status{model.StatusPending, model.StatusQueued, model.StatusProcessing, model.StatusCompleted})

		h, ok := r.HistoryOf(j.ID)
		So(ok, ShouldBeTrue)
		So(*h.Duration, ShouldEqual, 2*time.Second)

		Convey("terminal record is immutable", func() {
			_, err := r.Transition(j.ID, model.StatusFailed, nil)
			So(errors.Is(err, model.ErrInvalidState), ShouldBeTrue)
			_, err = r.Update(j.ID, func(x *model.Job) error { x.Stage = "late"; return nil })
			So(errors.Is(err, model.ErrInvalidState), ShouldBeTrue)
			_, err = r.Cancel(j.ID, "too late")
			So(errors.Is(err, model.ErrInvalidState), ShouldBeTrue)
			got, _ := r.Get(j.ID)
			So(got.Status, ShouldEqual, model.StatusCompleted)
		})

		Convey("archive is idempotent", func() {
			again, err := r.Archive(done)
			So(err, ShouldBeNil)
			So(again, ShouldBeFalse)
			So(r.History(model.JobFilter{}, model.Page{}).Total, ShouldEqual, 1)
		})
	})

	Convey("illegal transitions and unknown ids", t, func() {
		r := New()
		j, _ := r.Create(Spec{Type: "report"})
		_, err := r.Transition(j.ID, model.StatusCompleted, nil)
		So(errors.Is(err, model.ErrInvalidState), ShouldBeTrue)
		_, err = r.Update("nope", nil)
		So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
		_, err = r.Get("nope")
		So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
	})

	Convey("validation on create", t, func() {
		r := New()
		_, err := r.Create(Spec{})
		So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
		_, err = r.Create(Spec{Type: "x", Priority: model.Priority(9)})
		So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
		_, err = r.Create(Spec{Type: "x", MaxRetries: -1})
		So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
		_, err = r.Create(Spec{ID: "dup", Type: "x"})
		So(err, ShouldBeNil)
		_, err = r.Create(Spec{ID: "dup", Type: "x"})
		So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
	})
}

func TestRegistry_CancelAndQuery(t *testing.T) {
	Convey("cancelling a never-started job leaves startedAt unset and duration null", t, func() {
		r := New()
		j, _ := r.Create(Spec{Type: "report"})
		_, _ = r.Transition(j.ID, model.StatusQueued, nil)
		c, err := r.Cancel(j.ID, "user request")
		So(err, ShouldBeNil)
		So(c.Status, ShouldEqual, model.StatusCancelled)
		So(c.StartedAt, ShouldBeNil)
		So(c.CancelReason, ShouldEqual, "user request")
		h, ok := r.HistoryOf(j.ID)
		So(ok, ShouldBeTrue)
		So(h.Duration, ShouldBeNil)
	})

	Convey("updatedAt is strictly increasing even with a frozen clock", t, func() {
		clk := newClock()
		r := New(WithClock(clk.Now))
		a, _ := r.Create(Spec{Type: "x"})
		b, _ := r.Update(a.ID, func(j *model.Job) error { j.Stage = "s1"; return nil })
		c, _ := r.Update(a.ID, func(j *model.Job) error { j.Stage = "s2"; return nil })
		So(b.UpdatedAt.After(a.UpdatedAt), ShouldBeTrue)
		So(c.UpdatedAt.After(b.UpdatedAt), ShouldBeTrue)
	})

	Convey("query spans live and pruned archived jobs", t, func() {
		clk := newClock()
		r := New(WithClock(clk.Now))
		a, _ := r.Create(Spec{Type: "x"})
		b, _ := r.Create(Spec{Type: "y"})
		_, _ = r.Cancel(a.ID, "")
		clk.Advance(time.Hour)
		So(r.Prune(30*time.Minute), ShouldEqual, 1)

		res := r.Query(model.JobFilter{}, model.Page{})
		So(res.Total, ShouldEqual, 2)
		So(res.Items[0].ID, ShouldEqual, a.ID)
		So(res.Items[1].ID, ShouldEqual, b.ID)

		got, err := r.Get(a.ID)
		So(err, ShouldBeNil)
		So(got.Status, ShouldEqual, model.StatusCancelled)
		_, err = r.Update(a.ID, nil)
		So(errors.Is(err, model.ErrInvalidState), ShouldBeTrue)

		counts := r.Counts()
		So(counts[model.StatusCancelled], ShouldEqual, 1)
		So(counts[model.StatusPending], ShouldEqual, 1)

		only := r.Query(model.JobFilter{Statuses: []model.Status{model.StatusPending}}, model.Page{Limit: 10})
		So(only.Items, ShouldHaveLength, 1)
	})
}

func TestRegistry_Mirror(t *testing.T) {
	Convey("mirror writes jobs and history to the store", t, func() {
		store := memstore.New()
		r := New(WithStore(store))
		j, _ := r.Create(Spec{Type: "x"})
		_, _ = r.Cancel(j.ID, "stop")
		r.Mirror().Drain(context.Background())

		got, err := store.GetJob(context.Background(), j.ID)
		So(err, ShouldBeNil)
		So(got.Status, ShouldEqual, model.StatusCancelled)
		hist, _ := store.ListHistory(context.Background(), model.JobFilter{})
		So(hist, ShouldHaveLength, 1)

		Convey("lookup falls back to the store", func() {
			other := New(WithStore(store))
			found, err := other.Lookup(context.Background(), j.ID)
			So(err, ShouldBeNil)
			So(found.ID, ShouldEqual, j.ID)
		})
	})

	Convey("store outage does not roll back live state", t, func() {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		store := mocks.NewMockStore(ctrl)
		store.EXPECT().UpsertJob(gomock.Any(), gomock.Any()).Return(errors.New("db down")).AnyTimes()
		store.EXPECT().InsertHistory(gomock.Any(), gomock.Any()).Return(errors.New("db down")).AnyTimes()

		m := NewMirror(store, 16).WithRetry(1, time.Millisecond)
		r := New(WithMirror(m))
		j, err := r.Create(Spec{Type: "x"})
		So(err, ShouldBeNil)
		_, err = r.Cancel(j.ID, "")
		So(err, ShouldBeNil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		m.Start(ctx)
		m.Drain(ctx)

		So(m.Failed(), ShouldEqual, 3)
		got, err := r.Get(j.ID)
		So(err, ShouldBeNil)
		So(got.Status, ShouldEqual, model.StatusCancelled)
	})
	Convey("lookup tells a store outage apart from an unknown id", t, func() {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		store := mocks.NewMockStore(ctrl)
		store.EXPECT().GetJob(gomock.Any(), "gone").Return(nil, model.ErrNotFound)
		store.EXPECT().GetJob(gomock.Any(), "unreachable").Return(nil, errors.New("db down"))
		r := New(WithStore(store))

		_, err := r.Lookup(context.Background(), "gone")
		So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
		So(err.Error(), ShouldNotContainSubstring, "store lookup")

		_, err = r.Lookup(context.Background(), "unreachable")
		So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
		So(err.Error(), ShouldContainSubstring, "db down")
	})
}
