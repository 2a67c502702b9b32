package queue

import "github.com/okian/geopresence/pkg/metrics"

func recordRejection(name, reason string) {
	metrics.RecordErrorByComponent(name, reason)
}
