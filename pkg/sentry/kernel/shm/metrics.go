// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tinyvisor/shmsys/pkg/errors/linuxerr"
)

type metrics struct {
	regions  prometheus.Gauge
	pages    prometheus.Gauge
	attaches prometheus.Counter
	detaches prometheus.Counter
	destroys prometheus.Counter
	failures *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		regions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "shm",
			Name:      "regions",
			Help:      "Number of live shared memory segments.",
		}),
		pages: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "shm",
			Name:      "pages",
			Help:      "Number of pages held by live shared memory segments.",
		}),
		attaches: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shm",
			Name:      "attaches_total",
			Help:      "Number of successful attaches, including fork re-attaches.",
		}),
		detaches: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shm",
			Name:      "detaches_total",
			Help:      "Number of detaches.",
		}),
		destroys: f.NewCounter(prometheus.CounterOpts{
			Namespace: "shm",
			Name:      "destroys_total",
			Help:      "Number of segments destroyed.",
		}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shm",
			Name:      "failures_total",
			Help:      "Number of failed shared memory calls by call and errno.",
		}, []string{"call", "errno"}),
	}
}

func (m *metrics) created(regions int, pages uint64) {
	m.regions.Set(float64(regions))
	m.pages.Set(float64(pages))
}

func (m *metrics) destroyed(regions int, pages uint64) {
	m.destroys.Inc()
	m.regions.Set(float64(regions))
	m.pages.Set(float64(pages))
}

// failed counts err against call. It does nothing if err is nil.
func (m *metrics) failed(call string, err error) {
	if err == nil {
		return
	}
	name := "unknown"
	if e, ok := linuxerr.ErrnoOf(err); ok {
		name = linuxerr.Name(e)
	}
	m.failures.WithLabelValues(call, name).Inc()
}
