package monitoring

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tdoan35/velocity-sub008/pkg/types"
)

// ExportPrometheus renders the latest sample of every metric series in the
// Prometheus text exposition format. A series is a metric name plus its tag
// set; later samples of the same series replace earlier ones.
func (b *Bus) ExportPrometheus() string {
	b.mu.RLock()
	samples := b.metrics.Snapshot()
	b.mu.RUnlock()

	type series struct {
		metric types.Metric
		key    string
	}

	latest := make(map[string]series)
	names := make(map[string][]string) // metric name -> series keys

	for _, m := range samples {
		key := m.Name + seriesLabels(m.Tags)
		if _, seen := latest[key]; !seen {
			names[m.Name] = append(names[m.Name], key)
		}
		latest[key] = series{metric: m, key: key}
	}

	sortedNames := make([]string, 0, len(names))
	for name := range names {
		sortedNames = append(sortedNames, name)
	}
	sort.Strings(sortedNames)

	var sb strings.Builder
	for _, name := range sortedNames {
		fmt.Fprintf(&sb, "# HELP %s %s\n", name, name)
		fmt.Fprintf(&sb, "# TYPE %s gauge\n", name)

		keys := names[name]
		sort.Strings(keys)
		for _, key := range keys {
			m := latest[key].metric
			fmt.Fprintf(&sb, "%s%s %g\n", m.Name, seriesLabels(m.Tags), m.Value)
		}
	}
	return sb.String()
}

// seriesLabels renders tags as {k="v",...} with keys sorted, or empty
// when there are no tags
func seriesLabels(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%s=%q", k, tags[k])
	}
	sb.WriteByte('}')
	return sb.String()
}
