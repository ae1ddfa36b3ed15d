package broadcast

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
)

// recorder 记录每个观察者收到的事件。
type recorder struct {
	mu  sync.Mutex
	got map[string][]model.Event
}

func newRecorder() *recorder { return &recorder{got: map[string][]model.Event{}} }

func (r *recorder) Send(ctx context.Context, observerID string, ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got[observerID] = append(r.got[observerID], ev)
	return nil
}

func (r *recorder) events(id string) []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.got[id]...)
}

func TestBroadcaster_JobFanOut(t *testing.T) {
	Convey("job update reaches only subscribers of that job", t, func() {
		rec := newRecorder()
		b := New(rec, 8)
		b.Subscribe("X1", "J")
		b.Subscribe("X2", "J")
		b.Subscribe("Y", "K")

		n := b.BroadcastJobUpdate("J", model.Event{Type: model.EventJobUpdate, JobID: "J", Status: model.StatusProcessing})
		So(n, ShouldEqual, 2)
		b.Close()

		So(rec.events("X1"), ShouldHaveLength, 1)
		So(rec.events("X2"), ShouldHaveLength, 1)
		So(rec.events("Y"), ShouldBeEmpty)
		So(rec.events("X1")[0].JobID, ShouldEqual, "J")
	})

	Convey("events for one observer are delivered in order", t, func() {
		rec := newRecorder()
		b := New(rec, 128)
		b.Subscribe("X", "J")
		for i := 0; i < 100; i++ {
			b.BroadcastJobUpdate("J", model.Event{Type: model.EventJobUpdate, JobID: "J", Progress: float64(i)})
		}
		b.Close()
		got := rec.events("X")
		So(got, ShouldHaveLength, 100)
		for i := range got {
			So(got[i].Progress, ShouldEqual, float64(i))
		}
	})
}

func TestBroadcaster_Subscriptions(t *testing.T) {
	Convey("unsubscribe and disconnect drop subscriptions", t, func() {
		rec := newRecorder()
		b := New(rec, 8)
		defer b.Close()
		b.Subscribe("X", "J")
		b.Subscribe("X", "K")
		So(b.Subscriptions("X"), ShouldResemble, []string{"J", "K"})

		So(b.Unsubscribe("X", "J"), ShouldBeTrue)
		So(b.Unsubscribe("X", "J"), ShouldBeFalse)
		So(b.BroadcastJobUpdate("J", model.Event{JobID: "J"}), ShouldEqual, 0)

		b.Disconnect("X")
		So(b.Observers(), ShouldBeEmpty)
		So(b.BroadcastJobUpdate("K", model.Event{JobID: "K"}), ShouldEqual, 0)
		So(b.Subscriptions("X"), ShouldBeNil)
	})

	Convey("system metrics and alerts reach every observer", t, func() {
		rec := newRecorder()
		b := New(rec, 8)
		b.Connect("A")
		b.Subscribe("B", "J")
		So(b.BroadcastSystemMetrics(map[string]any{"cpuPercent": 10.0}), ShouldEqual, 2)
		So(b.BroadcastAlert(model.Alert{ID: "al", Type: model.AlertJobStuck}), ShouldEqual, 2)
		b.Close()
		So(rec.events("A"), ShouldHaveLength, 2)
		So(rec.events("A")[1].Type, ShouldEqual, model.EventAlert)
		So(rec.events("A")[1].Alert.ID, ShouldEqual, "al")
	})

	Convey("full mailbox drops events instead of blocking", t, func() {
		block := make(chan struct{})
		b := New(SenderFunc(func(ctx context.Context, id string, ev model.Event) error {
			<-block
			return nil
		}), 1)
		b.Connect("slow")
		delivered := 0
		for i := 0; i < 5; i++ {
			delivered += b.BroadcastSystemMetrics(nil)
		}
		So(delivered, ShouldBeLessThan, 5)
		close(block)
		b.Close()
	})
}

func TestBroadcaster_SenderErrors(t *testing.T) {
	Convey("send failures are logged and do not stop delivery", t, func() {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()
		sender := mocks.NewMockSender(ctrl)
		first := sender.EXPECT().Send(gomock.Any(), "X", gomock.Any()).Return(errors.New("conn reset"))
		sender.EXPECT().Send(gomock.Any(), "X", gomock.Any()).Return(nil).After(first)

		b := New(sender, 4)
		b.Subscribe("X", "J")
		b.BroadcastJobUpdate("J", model.Event{JobID: "J"})
		b.BroadcastJobUpdate("J", model.Event{JobID: "J"})
		time.Sleep(20 * time.Millisecond)
		b.Close()
	})
}
