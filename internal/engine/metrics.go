package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foldersync",
		Subsystem: "engine",
		Name:      "syncs_total",
		Help:      "Total number of sync operations, per folder, direction and result.",
	}, []string{"folder", "direction", "result"})

	metricConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "foldersync",
		Subsystem: "engine",
		Name:      "conflicts_total",
		Help:      "Total number of conflict copies created, per folder.",
	}, []string{"folder"})

	metricStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "foldersync",
		Subsystem: "engine",
		Name:      "status",
		Help:      "Current sync status per folder (0 idle, 1 syncing up, 2 syncing down, 3 error).",
	}, []string{"folder"})

	metricUnsynced = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "foldersync",
		Subsystem: "engine",
		Name:      "unsynced",
		Help:      "Whether the folder has local commits not yet pushed.",
	}, []string{"folder"})
)

const (
	directionUp   = "up"
	directionDown = "down"
)

func registerFolderMetrics(folder string) {
	// present even when zero
	metricConflicts.WithLabelValues(folder)
	metricStatus.WithLabelValues(folder)
	metricUnsynced.WithLabelValues(folder)
}

func unregisterFolderMetrics(folder string) {
	metricConflicts.DeleteLabelValues(folder)
	metricStatus.DeleteLabelValues(folder)
	metricUnsynced.DeleteLabelValues(folder)
	for _, dir := range []string{directionUp, directionDown} {
		metricSyncs.DeleteLabelValues(folder, dir, "success")
		metricSyncs.DeleteLabelValues(folder, dir, "failure")
	}
}

func syncResult(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
