package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ServiceName labels logs and health responses.
const ServiceName = "covenant-identity"

var (
	buildInfoOnce sync.Once

	// build_info is a constant 1 labelled with version and commit.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Identity service build information.",
		},
		[]string{"version", "commit"},
	)
)

// InitBuildInfo registers build_info once and sets the current labels.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit).Set(1)
}
