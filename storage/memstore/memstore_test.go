package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/mengeric/jobcore/model"
)

func TestMemStore(t *testing.T) {
	Convey("memstore stores detached copies", t, func() {
		s := New()
		ctx := context.Background()
		j := &model.Job{ID: "a", Status: model.StatusQueued, OutputData: map[string]any{"n": 1}}
		So(s.UpsertJob(ctx, j), ShouldBeNil)
		j.OutputData["n"] = 2

		got, err := s.GetJob(ctx, "a")
		So(err, ShouldBeNil)
		So(got.OutputData["n"], ShouldEqual, 1)

		_, err = s.GetJob(ctx, "missing")
		So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)

		now := time.Now()
		h := model.HistoryEntry{Job: model.Job{ID: "a", Status: model.StatusCompleted}, ArchivedAt: now}
		So(s.InsertHistory(ctx, &h), ShouldBeNil)
		list, _ := s.ListHistory(ctx, model.JobFilter{Statuses: []model.Status{model.StatusCompleted}})
		So(list, ShouldHaveLength, 1)

		So(s.UpsertAlert(ctx, &model.Alert{ID: "x", CreatedAt: now}), ShouldBeNil)
		alerts, _ := s.ListAlerts(ctx, model.AlertFilter{})
		So(alerts, ShouldHaveLength, 1)
		So(s.Close(), ShouldBeNil)
	})
}
