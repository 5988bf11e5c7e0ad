package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gometrics "github.com/rcrowley/go-metrics"
)

const metricsNamespace = "pgpinghub"

type metrics struct {
	log  io.Writer
	reg  gometrics.Registry
	tick time.Duration
}

var m = &metrics{
	log:  os.Stderr,
	reg:  gometrics.DefaultRegistry,
	tick: time.Duration(60) * time.Second,
}

func startMetrics(tick time.Duration) {
	if tick > 0 {
		m.tick = tick
	}
	m.start()
}

func finalMetrics() {
	m.writeOnce()
}

func incr(name string, i int64) {
	m.incr(name, i)
}

func decr(name string, i int64) {
	m.decr(name, i)
}

func mark(name string, i int64) {
	m.mark(name, i)
}

func (m metrics) start() {
	go gometrics.WriteJSON(m.reg, m.tick, m.log)
}

func (m metrics) writeOnce() {
	gometrics.WriteJSONOnce(m.reg, m.log)
}

func (m metrics) incr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, m.reg).Inc(i)
}

func (m metrics) decr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, m.reg).Dec(i)
}

func (m metrics) mark(name string, i int64) {
	gometrics.GetOrRegisterMeter(name, m.reg).Mark(i)
}

// promCollector exports a go-metrics registry to Prometheus. Counters can go
// down (websockets, channels) so they become gauges; meters become counters.
type promCollector struct {
	reg gometrics.Registry
}

func newPromRegistry(reg gometrics.Registry) *prometheus.Registry {
	pr := prometheus.NewRegistry()
	pr.MustRegister(promCollector{reg: reg})
	return pr
}

// Describe sends nothing, which makes this an unchecked collector: the set
// of metrics grows as names are first used.
func (c promCollector) Describe(chan<- *prometheus.Desc) {}

func (c promCollector) Collect(ch chan<- prometheus.Metric) {
	c.reg.Each(func(name string, i interface{}) {
		switch metric := i.(type) {
		case gometrics.Counter:
			desc := prometheus.NewDesc(promName(name), "Current "+name+".", nil, nil)
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(metric.Count()))
		case gometrics.Meter:
			desc := prometheus.NewDesc(promName(name)+"_total", "Total "+name+".", nil, nil)
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(metric.Count()))
		}
	})
}

func promName(name string) string {
	return metricsNamespace + "_" + strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
