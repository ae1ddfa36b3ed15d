package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestStatusTransitions(t *testing.T) {
	Convey("transition table", t, func() {
		So(CanTransition(StatusPending, StatusQueued), ShouldBeTrue)
		So(CanTransition(StatusQueued, StatusProcessing), ShouldBeTrue)
		So(CanTransition(StatusProcessing, StatusRetrying), ShouldBeTrue)
		So(CanTransition(StatusRetrying, StatusQueued), ShouldBeTrue)
		So(CanTransition(StatusPending, StatusProcessing), ShouldBeFalse)

		Convey("terminal states have no outgoing edges", func() {
			for _, from := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
				for _, to := range AllStatuses {
					So(CanTransition(from, to), ShouldBeFalse)
				}
			}
		})

		Convey("every non terminal state may be cancelled", func() {
			for _, s := range []Status{StatusPending, StatusQueued, StatusProcessing, StatusRetrying} {
				So(CanTransition(s, StatusCancelled), ShouldBeTrue)
			}
		})
	})
}

func TestPriority(t *testing.T) {
	Convey("priority parse and text round trip", t, func() {
		p, err := ParsePriority("HIGH")
		So(err, ShouldBeNil)
		So(p, ShouldEqual, PriorityHigh)
		p, err = ParsePriority("")
		So(err, ShouldBeNil)
		So(p, ShouldEqual, PriorityNormal)
		_, err = ParsePriority("urgent")
		So(errors.Is(err, ErrValidation), ShouldBeTrue)

		var q Priority
		So(q.UnmarshalText([]byte("low")), ShouldBeNil)
		So(q, ShouldEqual, PriorityLow)
	})
}

func TestHistoryEntry(t *testing.T) {
	Convey("duration is terminal minus start", t, func() {
		start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		end := start.Add(3 * time.Second)
		j := Job{ID: "a", Status: StatusCompleted, StartedAt: &start, CompletedAt: &end}
		h := NewHistoryEntry(j, end)
		So(h.Duration, ShouldNotBeNil)
		So(*h.Duration, ShouldEqual, 3*time.Second)
	})

	Convey("never started job has nil duration", t, func() {
		end := time.Now()
		j := Job{ID: "b", Status: StatusCancelled, CancelledAt: &end}
		So(NewHistoryEntry(j, end).Duration, ShouldBeNil)
	})

	Convey("snapshot is detached from the source", t, func() {
		j := Job{ID: "c", Status: StatusCompleted, OutputData: map[string]any{"k": 1}}
		h := NewHistoryEntry(j, time.Now())
		j.OutputData["k"] = 2
		So(h.Job.OutputData["k"], ShouldEqual, 1)
	})
}

func TestFilterAndPaginate(t *testing.T) {
	Convey("job filter", t, func() {
		now := time.Now()
		j := &Job{ID: "x", Type: "bias", Status: StatusQueued, Priority: PriorityHigh, CreatedAt: now}
		So(JobFilter{}.Match(j), ShouldBeTrue)
		So(JobFilter{Types: []string{"bias"}, Statuses: []Status{StatusQueued}}.Match(j), ShouldBeTrue)
		So(JobFilter{Statuses: []Status{StatusFailed}}.Match(j), ShouldBeFalse)
		So(JobFilter{Since: now.Add(time.Second)}.Match(j), ShouldBeFalse)
		So(JobFilter{Until: now}.Match(j), ShouldBeFalse)
	})

	Convey("alert filter", t, func() {
		no := false
		a := &Alert{Type: AlertJobStuck, Severity: SeverityMedium}
		So(AlertFilter{Resolved: &no}.Match(a), ShouldBeTrue)
		So(AlertFilter{Types: []AlertType{AlertJobFailure}}.Match(a), ShouldBeFalse)
	})

	Convey("paginate", t, func() {
		items := []int{1, 2, 3, 4, 5}
		r := Paginate(items, Page{Offset: 1, Limit: 2})
		So(r.Items, ShouldResemble, []int{2, 3})
		So(r.Total, ShouldEqual, 5)
		So(Paginate(items, Page{Offset: 10}).Items, ShouldBeEmpty)
		So(Paginate(items, Page{}).Items, ShouldHaveLength, 5)
	})

	Convey("timeout is a task failure", t, func() {
		So(errors.Is(ErrTimeout, ErrTaskFailure), ShouldBeTrue)
	})
}

func TestJobUpdateEvent(t *testing.T) {
	Convey("a fresh job's update event still carries progress 0", t, func() {
		j := Job{ID: "j-1", Status: StatusQueued, UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
		b, err := json.Marshal(JobUpdateEvent(j))
		So(err, ShouldBeNil)
		var raw map[string]any
		So(json.Unmarshal(b, &raw), ShouldBeNil)
		So(raw, ShouldContainKey, "progress")
		So(raw["progress"], ShouldEqual, 0.0)
		So(raw["jobId"], ShouldEqual, "j-1")
		So(raw["status"], ShouldEqual, "queued")
	})
}
