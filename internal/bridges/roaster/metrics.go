package roaster

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "roaster"

// MetricsSource is what the collector reads on every scrape.
type MetricsSource interface {
	Stats() BridgeStats
	Snapshot() State
}

// Collector exports bridge counters and the current field values as
// Prometheus metrics. Values are read at scrape time.
type Collector struct {
	source MetricsSource

	connected      *prometheus.Desc
	linesRx        *prometheus.Desc
	bytesRx        *prometheus.Desc
	decodeErrors   *prometheus.Desc
	reserved       *prometheus.Desc
	unknown        *prometheus.Desc
	fieldChanges   *prometheus.Desc
	commandsTx     *prometheus.Desc
	sendErrors     *prometheus.Desc
	polls          *prometheus.Desc
	pollErrors     *prometheus.Desc
	reconnects     *prometheus.Desc
	publishDropped *prometheus.Desc
	queueDepth     *prometheus.Desc
	fieldValue     *prometheus.Desc
}

// NewCollector creates a collector labelled with the roaster ID.
func NewCollector(roasterID string, source MetricsSource) *Collector {
	labels := prometheus.Labels{"roaster": roasterID}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, variable, labels)
	}
	return &Collector{
		source:         source,
		connected:      desc("serial_connected", "1 while the serial link is up."),
		linesRx:        desc("lines_received_total", "Lines framed on the current link."),
		bytesRx:        desc("bytes_received_total", "Bytes read on the current link."),
		decodeErrors:   desc("decode_errors_total", "Malformed lines discarded."),
		reserved:       desc("reserved_commands_total", "Inbound messages with a non-zero command."),
		unknown:        desc("unknown_addresses_total", "Inbound messages for unknown addresses."),
		fieldChanges:   desc("field_changes_total", "Field change notifications delivered."),
		commandsTx:     desc("commands_sent_total", "Commands written on the current link."),
		sendErrors:     desc("send_errors_total", "Failed command writes on the current link."),
		polls:          desc("polls_total", "Status polls attempted on the current link."),
		pollErrors:     desc("poll_errors_total", "Status polls that failed on the current link."),
		reconnects:     desc("reconnects_total", "Successful serial reconnects."),
		publishDropped: desc("publish_dropped_total", "Field changes dropped because the publish queue was full."),
		queueDepth:     desc("queue_depth", "Lines waiting for the next drain."),
		fieldValue:     desc("field_value", "Last reported value of each device field.", "field", "kind"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.connected, c.linesRx, c.bytesRx, c.decodeErrors, c.reserved, c.unknown,
		c.fieldChanges, c.commandsTx, c.sendErrors, c.polls, c.pollErrors,
		c.reconnects, c.publishDropped, c.queueDepth, c.fieldValue,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()

	connected := 0.0
	if stats.Connected {
		connected = 1
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(c.connected, connected)
	gauge(c.queueDepth, float64(stats.QueueDepth))
	counter(c.linesRx, stats.Transport.LinesRx)
	counter(c.bytesRx, stats.Transport.BytesRx)
	counter(c.decodeErrors, stats.Dispatcher.DecodeErrors)
	counter(c.reserved, stats.Dispatcher.ReservedCommands)
	counter(c.unknown, stats.Dispatcher.UnknownAddresses)
	counter(c.fieldChanges, stats.Dispatcher.FieldChanges)
	counter(c.commandsTx, stats.Transport.CommandsTx)
	counter(c.sendErrors, stats.Transport.SendErrors)
	counter(c.polls, stats.Poller.Polls)
	counter(c.pollErrors, stats.Poller.PollErrors)
	counter(c.reconnects, stats.Reconnects)
	counter(c.publishDropped, stats.PublishDropped)

	state := c.source.Snapshot()
	for _, f := range Fields() {
		v, _ := state.Value(f)
		gauge(c.fieldValue, float64(v), f.String(), f.Kind().String())
	}
}
