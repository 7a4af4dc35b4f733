package status

import (
	"errors"
	"os"
	"sort"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/BrickPiGuy/dissertationScripts/pkg/runlog"
)

var (
	rowsDesc = prometheus.NewDesc(
		"tokensweep_runlog_rows",
		"Completed trials recorded in the Run Log",
		[]string{"token_count"}, nil,
	)
	lossDesc = prometheus.NewDesc(
		"tokensweep_runlog_parameter_efficiency_loss_mean",
		"Mean parameter_efficiency_loss over recorded trials",
		[]string{"token_count"}, nil,
	)
	accuracyDesc = prometheus.NewDesc(
		"tokensweep_runlog_accuracy_mean",
		"Mean accuracy over recorded trials",
		[]string{"token_count"}, nil,
	)
)

// Collector exports per-token-count aggregates of the Run Log, re-read on
// every scrape.
type Collector struct {
	Path string
}

func NewCollector(path string) *Collector { return &Collector{Path: path} }

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- rowsDesc
	ch <- lossDesc
	ch <- accuracyDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	rows, err := runlog.ReadFile(c.Path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		ch <- prometheus.NewInvalidMetric(rowsDesc, err)
		return
	}
	type agg struct {
		n              int
		loss, accuracy float64
	}
	groups := map[int]*agg{}
	for _, r := range rows {
		g, ok := groups[r.TokenCount]
		if !ok {
			g = &agg{}
			groups[r.TokenCount] = g
		}
		g.n++
		g.loss += r.ParameterEfficiencyLoss
		g.accuracy += r.Accuracy
	}
	keys := make([]int, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, tc := range keys {
		g := groups[tc]
		label := strconv.Itoa(tc)
		n := float64(g.n)
		ch <- prometheus.MustNewConstMetric(rowsDesc, prometheus.GaugeValue, n, label)
		ch <- prometheus.MustNewConstMetric(lossDesc, prometheus.GaugeValue, g.loss/n, label)
		ch <- prometheus.MustNewConstMetric(accuracyDesc, prometheus.GaugeValue, g.accuracy/n, label)
	}
}
