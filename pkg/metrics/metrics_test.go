package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with default options on a fresh registry", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(WithPrometheusRegistry(registry))

			Convey("Then it should be created successfully", func() {
				So(manager, ShouldNotBeNil)
				So(manager.namespace, ShouldEqual, "geopresence")
			})
		})

		Convey("When creating with custom options", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace("test_namespace"),
				WithSubsystem("test_subsystem"),
				WithHistogramBuckets([]float64{0.1, 0.5, 1.0}),
				WithMetricsEnabled(true),
				WithRefreshInterval(10*time.Second),
				WithCustomLabels(map[string]string{"env": "test"}),
				WithPrometheusRegistry(registry),
			)

			Convey("Then the options are applied", func() {
				So(manager.namespace, ShouldEqual, "test_namespace")
				So(manager.subsystem, ShouldEqual, "test_subsystem")
				So(manager.histogramBuckets, ShouldResemble, []float64{0.1, 0.5, 1.0})
				So(manager.refreshInterval, ShouldEqual, 10*time.Second)
			})

			Convey("And metric names carry the namespace and constant labels", func() {
				manager.transitions.WithLabelValues("enter").Inc()
				expected := `
# HELP test_namespace_test_subsystem_transitions_total Committed presence transitions
# TYPE test_namespace_test_subsystem_transitions_total counter
test_namespace_test_subsystem_transitions_total{env="test",kind="enter"} 1
`
				err := testutil.GatherAndCompare(registry, strings.NewReader(expected), "test_namespace_test_subsystem_transitions_total")
				So(err, ShouldBeNil)
			})
		})

		Convey("When empty option values are supplied", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace(""),
				WithHistogramBuckets(nil),
				WithRefreshInterval(0),
				WithPrometheusRegistry(registry),
			)

			Convey("Then defaults are kept", func() {
				So(manager.namespace, ShouldEqual, "geopresence")
				So(len(manager.histogramBuckets), ShouldBeGreaterThan, 0)
				So(manager.refreshInterval, ShouldEqual, defaultRefreshInterval)
			})
		})
	})
}

func TestMetricsRecording(t *testing.T) {
	Convey("Given the global metrics", t, func() {
		Convey("When recording ingestion and reconciliation metrics", func() {
			before := testutil.ToFloat64(globalManager.transitions.WithLabelValues("exit"))
			So(func() {
				RecordSample("accepted")
				RecordRegionEvent("enter", "stale")
				RecordTransition("exit")
				RecordDebounce("committed")
				RecordReconcileLatency(0.3)
				UpdateActiveUsers(3)
				UpdateOccupiedUsers(2)
				RecordUserEviction()
				RecordSessionEnd()
				RecordForcedExit()
				RecordMailboxRejection("full")
			}, ShouldNotPanic)

			Convey("Then counters move", func() {
				So(testutil.ToFloat64(globalManager.transitions.WithLabelValues("exit")), ShouldEqual, before+1)
				So(testutil.ToFloat64(globalManager.activeUsers), ShouldEqual, 3)
			})
		})

		Convey("When recording region, directory and fan-out metrics", func() {
			So(func() {
				UpdateRegionCount(4)
				RecordRegionReload("ok")
				RecordDirectoryLookup("user_groups", "hit")
				RecordDirectoryLatency(12)
				RecordNotification("peer", "error")
				RecordFanoutSize(2)
				RecordPublishFailure("redis")
			}, ShouldNotPanic)
			So(testutil.ToFloat64(globalManager.regionCount), ShouldEqual, 4)
		})

		Convey("When recording worker, http and system metrics", func() {
			So(func() {
				UpdateWorkerCount(8)
				UpdateWorkerQueueSize(0)
				RecordWorkerProcessingLatency(1)
				RecordWorkerError()
				RecordWorkerRejection()
				RecordHTTPRequest("samples", "POST", "202")
				RecordHTTPRequestDuration("samples", "POST", "202", 1.5)
				RecordErrorByEndpoint("samples", "POST", "client_error")
				RecordErrorByType("client_error", "medium")
				RecordRateLimited()
				RecordErrorByComponent("fanout", "delivery")
				UpdateSystemMemoryUsage(1024)
				UpdateSystemGoroutineCount(10)
				RecordSystemGCPauseTime(0.2)
			}, ShouldNotPanic)
		})

		Convey("Then the custom registry exposes the namespace", func() {
			families, err := GetRegistry().Gather()
			So(err, ShouldBeNil)
			found := false
			for _, f := range families {
				if strings.HasPrefix(f.GetName(), "geopresence_") {
					found = true
				}
			}
			So(found, ShouldBeTrue)
		})
	})
}
