package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/okian/geopresence/internal/domain/model"
	"github.com/okian/geopresence/internal/domain/presence"
	. "github.com/smartystreets/goconvey/convey"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "geopresence.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGroupDirectory(t *testing.T) {
	Convey("Given a store with two groups", t, func() {
		ctx := context.Background()
		s := openTempStore(t)
		So(s.PutGroup(ctx, model.Group{ID: "family", Name: "Family", Emoji: "🏠", AdminUserID: "u1", MemberIDs: []string{"u2", "u1"}}), ShouldBeNil)
		So(s.PutGroup(ctx, model.Group{ID: "climbing", Name: "Climbing", MemberIDs: []string{"u2", "u3"}}), ShouldBeNil)

		Convey("Then a group reads back with sorted members", func() {
			g, err := s.GetGroup(ctx, "family")
			So(err, ShouldBeNil)
			So(g.Name, ShouldEqual, "Family")
			So(g.Emoji, ShouldEqual, "🏠")
			So(g.MemberIDs, ShouldResemble, []string{"u1", "u2"})
		})

		Convey("Then a user's groups are listed", func() {
			ids, err := s.GetGroupsForUser(ctx, "u2")
			So(err, ShouldBeNil)
			So(ids, ShouldResemble, []string{"climbing", "family"})
		})

		Convey("When a group is replaced", func() {
			So(s.PutGroup(ctx, model.Group{ID: "family", Name: "Fam", MemberIDs: []string{"u1"}}), ShouldBeNil)

			Convey("Then the old membership is gone", func() {
				ids, err := s.GetGroupsForUser(ctx, "u2")
				So(err, ShouldBeNil)
				So(ids, ShouldResemble, []string{"climbing"})
			})
		})

		Convey("Then unknown groups report ErrGroupNotFound", func() {
			_, err := s.GetGroup(ctx, "nope")
			So(errors.Is(err, presence.ErrGroupNotFound), ShouldBeTrue)
		})

		Convey("Then a group without id is refused", func() {
			So(s.PutGroup(ctx, model.Group{}), ShouldNotBeNil)
		})

		Convey("When the whole directory is replaced", func() {
			So(s.ReplaceGroups(ctx, []model.Group{
				{ID: "climbing", Name: "Climbing", MemberIDs: []string{"u3", "u4"}},
				{ID: "book-club", Name: "Books", MemberIDs: []string{"u1"}},
			}), ShouldBeNil)

			Convey("Then dropped groups and memberships are gone", func() {
				_, err := s.GetGroup(ctx, "family")
				So(errors.Is(err, presence.ErrGroupNotFound), ShouldBeTrue)
				ids, err := s.GetGroupsForUser(ctx, "u2")
				So(err, ShouldBeNil)
				So(ids, ShouldBeEmpty)
				ids, err = s.GetGroupsForUser(ctx, "u1")
				So(err, ShouldBeNil)
				So(ids, ShouldResemble, []string{"book-club"})
				g, err := s.GetGroup(ctx, "climbing")
				So(err, ShouldBeNil)
				So(g.MemberIDs, ShouldResemble, []string{"u3", "u4"})
			})
		})

		Convey("When a replacement contains an invalid group", func() {
			err := s.ReplaceGroups(ctx, []model.Group{{ID: "new", MemberIDs: []string{"u9"}}, {ID: " "}})

			Convey("Then nothing changes", func() {
				So(err, ShouldNotBeNil)
				ids, err := s.GetGroupsForUser(ctx, "u2")
				So(err, ShouldBeNil)
				So(ids, ShouldResemble, []string{"climbing", "family"})
			})
		})
	})
}

func TestPublish(t *testing.T) {
	Convey("Given an empty store", t, func() {
		ctx := context.Background()
		s := openTempStore(t)
		at := time.Date(2026, 4, 2, 18, 0, 0, 0, time.UTC)

		Convey("When a user enters then exits a region", func() {
			So(s.Publish(ctx, model.TransitionEvent{ID: "t1", UserID: "u1", RegionID: "gym", Kind: model.Enter, OccurredAt: at}), ShouldBeNil)
			area, ok, err := s.LastKnownArea(ctx, "u1")
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
			So(area.RegionID, ShouldEqual, "gym")

			So(s.Publish(ctx, model.TransitionEvent{ID: "t2", UserID: "u1", RegionID: "gym", Kind: model.Exit, OccurredAt: at.Add(time.Hour)}), ShouldBeNil)

			Convey("Then the last known area is cleared", func() {
				area, ok, err := s.LastKnownArea(ctx, "u1")
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)
				So(area.UserID, ShouldEqual, "u1")
				So(area.RegionID, ShouldEqual, "")
				So(area.UpdatedAt.Equal(at.Add(time.Hour)), ShouldBeTrue)
			})

			Convey("And the earlier enter is redelivered", func() {
				So(s.Publish(ctx, model.TransitionEvent{ID: "t1", UserID: "u1", RegionID: "gym", Kind: model.Enter, OccurredAt: at}), ShouldBeNil)

				Convey("Then the replay does not resurrect the area", func() {
					area, _, err := s.LastKnownArea(ctx, "u1")
					So(err, ShouldBeNil)
					So(area.RegionID, ShouldEqual, "")
				})
			})
		})

		Convey("When the same transition is published twice", func() {
			ev := model.TransitionEvent{ID: "t1", UserID: "u1", RegionID: "gym", Kind: model.Enter, OccurredAt: at}
			So(s.Publish(ctx, ev), ShouldBeNil)
			So(s.Publish(ctx, ev), ShouldBeNil)

			Convey("Then it is logged once", func() {
				var n int
				So(s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transitions WHERE user_id = ?`, "u1").Scan(&n), ShouldBeNil)
				So(n, ShouldEqual, 1)
			})
		})

		Convey("When an exit names a region other than the last known one", func() {
			So(s.Publish(ctx, model.TransitionEvent{ID: "t1", UserID: "u1", RegionID: "home", Kind: model.Enter, OccurredAt: at}), ShouldBeNil)
			So(s.Publish(ctx, model.TransitionEvent{ID: "t2", UserID: "u1", RegionID: "gym", Kind: model.Exit, OccurredAt: at}), ShouldBeNil)

			Convey("Then the area is left alone", func() {
				area, _, err := s.LastKnownArea(ctx, "u1")
				So(err, ShouldBeNil)
				So(area.RegionID, ShouldEqual, "home")
			})
		})

		Convey("Then unknown users have no area", func() {
			_, ok, err := s.LastKnownArea(ctx, "ghost")
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse)
		})
	})
}

func TestOpen(t *testing.T) {
	Convey("Given a database opened twice", t, func() {
		path := filepath.Join(t.TempDir(), "twice.db")
		first, err := Open(context.Background(), path)
		So(err, ShouldBeNil)
		So(first.Close(), ShouldBeNil)

		Convey("Then migrations are not re-applied", func() {
			second, err := Open(context.Background(), path)
			So(err, ShouldBeNil)
			So(second.Close(), ShouldBeNil)
		})
	})

	Convey("Given an empty path", t, func() {
		_, err := Open(context.Background(), " ")
		So(err, ShouldNotBeNil)
	})

	Convey("Given migration text with markers", t, func() {
		So(upSection("-- +migrate Up\nCREATE TABLE a (x);\n-- +migrate Down\nDROP TABLE a;"), ShouldEqual, "\nCREATE TABLE a (x);\n")
		So(upSection("CREATE TABLE b (x);"), ShouldEqual, "CREATE TABLE b (x);")
	})
}
