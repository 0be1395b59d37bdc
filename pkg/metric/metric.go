// Copyright 2018 The gVisor Authors.
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

// Package metric exports and reads back the prometheus metrics of the
// simulated kernel in the text exposition format.
package metric

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// WriteText writes every metric family gathered from g to w in the text
// exposition format, sorted by name.
func WriteText(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %q: %w", mf.GetName(), err)
		}
	}
	return nil
}

// Values maps a metric and its labels, formatted as name{k="v",...}, to its
// value. Unlabelled metrics are keyed by name alone.
type Values map[string]float64

// ParseText parses counters, gauges and untyped metrics in the text
// exposition format.
func ParseText(r io.Reader) (Values, error) {
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("cannot parse metrics: %w", err)
	}
	vals := make(Values)
	for name, mf := range parsed {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, l := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
			}
			key := name
			if len(labels) != 0 {
				sort.Strings(labels)
				key = fmt.Sprintf("%s{%s}", name, strings.Join(labels, ","))
			}
			switch {
			case m.GetCounter() != nil:
				vals[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				vals[key] = m.GetGauge().GetValue()
			case m.GetUntyped() != nil:
				vals[key] = m.GetUntyped().GetValue()
			}
		}
	}
	return vals, nil
}

// Snapshot gathers g and returns its values.
func Snapshot(g prometheus.Gatherer) (Values, error) {
	var buf strings.Builder
	if err := WriteText(&buf, g); err != nil {
		return nil, err
	}
	return ParseText(strings.NewReader(buf.String()))
}
