// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package metrics

import (
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the metrics of a scope to Prometheus. Counters
// are exported as counters and high-water marks as gauges. Metric
// names are prefixed by the namespace, and dots are replaced by
// underscores, so that "featuregroup.tiles" in namespace "bigtile"
// becomes "bigtile_featuregroup_tiles". Metrics registered under the
// same name are exported as a single series.
type Collector struct {
	namespace string
	scope     *Scope
}

// NewCollector returns a collector for the provided scope.
func NewCollector(namespace string, scope *Scope) *Collector {
	return &Collector{namespace, scope}
}

type series struct {
	desc  *prometheus.Desc
	kind  Kind
	value int64
}

func (c *Collector) series() []series {
	byName := make(map[string]*series)
	var names []string
	for _, m := range all() {
		s := byName[m.name]
		if s == nil {
			name := strings.Replace(m.name, ".", "_", -1)
			if c.namespace != "" {
				name = c.namespace + "_" + name
			}
			s = &series{
				desc: prometheus.NewDesc(name, "Pipeline metric "+m.name+".", nil, nil),
				kind: m.kind,
			}
			byName[m.name] = s
			names = append(names, m.name)
		}
		n := c.scope.value(m.id)
		switch {
		case s.kind == KindCounter:
			s.value += n
		case n > s.value:
			s.value = n
		}
	}
	sort.Strings(names)
	list := make([]series, len(names))
	for i, name := range names {
		list[i] = *byName[name]
	}
	return list
}

// Describe implements prometheus.Collector. It sends no descriptors,
// making the collector unchecked: metrics may be registered after the
// collector is.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.series() {
		typ := prometheus.CounterValue
		if s.kind == KindMax {
			typ = prometheus.GaugeValue
		}
		ch <- prometheus.MustNewConstMetric(s.desc, typ, float64(s.value))
	}
}
