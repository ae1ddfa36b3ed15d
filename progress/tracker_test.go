package progress

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/mengeric/jobcore/model"
	"github.com/mengeric/jobcore/registry"
)

func TestTracker_Update(t *testing.T) {
	Convey("Given a processing job started at t0", t, func() {
		t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
		now := t0
		clock := func() time.Time { return now }
		reg := registry.New(registry.WithClock(clock))
		tr := New(reg, WithClock(clock))

		j, _ := reg.Create(registry.Spec{Type: "bias_analysis"})
		_, _ = reg.Transition(j.ID, model.StatusQueued, nil)
		_, err := reg.Transition(j.ID, model.StatusProcessing, func(x *model.Job) { x.StartedAt = &t0 })
		So(err, ShouldBeNil)

		Convey("first 25% at t0+60s yields ETA t0+240s and later updates keep it", func() {
			now = t0.Add(60 * time.Second)
			got, err := tr.Update(j.ID, 25, "loading")
			So(err, ShouldBeNil)
			So(got.Progress, ShouldEqual, 25)
			So(got.Stage, ShouldEqual, "loading")
			So(got.EstimatedCompletionTime.Equal(t0.Add(240*time.Second)), ShouldBeTrue)

			now = t0.Add(90 * time.Second)
			got, err = tr.Update(j.ID, 50, "")
			So(err, ShouldBeNil)
			So(got.Stage, ShouldEqual, "loading")
			So(got.EstimatedCompletionTime.Equal(t0.Add(240*time.Second)), ShouldBeTrue)

			got, err = tr.Update(j.ID, 100, "done")
			So(err, ShouldBeNil)
			So(got.Progress, ShouldEqual, 100)
			So(got.Status, ShouldEqual, model.StatusProcessing)
		})

		Convey("100 as the first report records no ETA", func() {
			now = t0.Add(time.Second)
			got, err := tr.Update(j.ID, 100, "")
			So(err, ShouldBeNil)
			So(got.EstimatedCompletionTime, ShouldBeNil)
		})

		Convey("out of range values are rejected", func() {
			_, err := tr.Update(j.ID, 101, "")
			So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
			_, err = tr.Update(j.ID, -1, "")
			So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
			_, err = tr.Update(j.ID, math.NaN(), "stalled")
			So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
			got, _ := reg.Get(j.ID)
			So(got.Progress, ShouldEqual, 0)
			So(got.EstimatedCompletionTime, ShouldBeNil)
			_, err = json.Marshal(got)
			So(err, ShouldBeNil)
		})

		Convey("record counts derive throughput and percent", func() {
			now = t0.Add(10 * time.Second)
			got, err := tr.UpdateRecords(j.ID, 500, 2000)
			So(err, ShouldBeNil)
			So(got.Throughput, ShouldEqual, 50)
			So(got.Progress, ShouldEqual, 25)
			So(got.EstimatedCompletionTime.Equal(t0.Add(40*time.Second)), ShouldBeTrue)

			_, err = tr.UpdateRecords(j.ID, 3000, 2000)
			So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
		})

		Convey("terminal jobs reject progress", func() {
			_, _ = reg.Cancel(j.ID, "")
			_, err := tr.Update(j.ID, 10, "")
			So(errors.Is(err, model.ErrInvalidState), ShouldBeTrue)
			_, err = tr.Update("missing", 10, "")
			So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
		})
	})
}
