package store

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

// WriteCSV writes records to CSV with a fixed column order.
func WriteCSV(w io.Writer, recs []Record) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := []string{
		"created_at",
		"node",
		"name",
		"status",
		"iterations",
		"duration_ms",
		"avg_latency_ms",
		"stddev_latency_ms",
		"jitter_ms",
		"throughput_bps",
		"loss_percent",
		"reliability_passed",
		"devices_discovered",
		"max_range_steps",
		"packets_sent",
		"packets_acked",
		"packets_lost",
		"error",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range recs {
		record := []string{
			rec.CreatedAt.UTC().Format(time.RFC3339Nano),
			rec.Node,
			rec.Name,
			rec.Status,
			strconv.Itoa(rec.Iterations),
			strconv.FormatInt(rec.DurationMs, 10),
			strconv.FormatFloat(rec.AvgLatencyMs, 'f', 3, 64),
			strconv.FormatFloat(rec.StdDevLatencyMs, 'f', 3, 64),
			strconv.FormatFloat(rec.JitterMs, 'f', 3, 64),
			strconv.FormatFloat(rec.ThroughputBps, 'f', 3, 64),
			strconv.FormatFloat(rec.LossPercent, 'f', 3, 64),
			strconv.FormatBool(rec.ReliabilityPassed),
			strconv.Itoa(rec.DevicesDiscovered),
			strconv.Itoa(rec.MaxRangeSteps),
			strconv.Itoa(rec.PacketsSent),
			strconv.Itoa(rec.PacketsAcked),
			strconv.Itoa(rec.PacketsLost),
			rec.Error,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}
