package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/kilianp07/feederdispatch/core/logger"
	coremetrics "github.com/kilianp07/feederdispatch/core/metrics"
	infralogger "github.com/kilianp07/feederdispatch/infra/logger"
)

// InfluxSink writes solve and settlement events to an InfluxDB instance.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      infralogger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback pings the InfluxDB instance and returns a NopSink
// if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.MetricsSink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// Close releases the underlying client.
func (s *InfluxSink) Close() {
	s.client.Close()
}

// RecordSolve writes one dispatch_solve point.
func (s *InfluxSink) RecordSolve(ev coremetrics.SolveEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("dispatch_solve").
		AddTag("run_id", ev.RunID).
		AddTag("status", ev.Status).
		AddTag("mode", ev.Mode).
		AddTag("robust", strconv.FormatBool(ev.Robust))
	if ev.Label != "" {
		p = p.AddTag("label", ev.Label)
	}
	p = p.AddField("objective", round6(ev.Objective)).
		AddField("solve_ms", round6(ev.SolveTime.Seconds()*1000)).
		AddField("buses", ev.Buses).
		AddField("variables", ev.Variables).
		AddField("rows", ev.Rows).
		AddField("cones", ev.Cones).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordSettlement writes one settlement point.
func (s *InfluxSink) RecordSettlement(ev coremetrics.SettlementEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("settlement").
		AddTag("run_id", ev.RunID)
	if ev.Label != "" {
		p = p.AddTag("label", ev.Label)
	}
	p = p.AddField("generation_cost", round6(ev.GenerationCost)).
		AddField("dr_cost", round6(ev.DRCost)).
		AddField("total_cost", round6(ev.TotalCost)).
		AddField("total_revenue", round6(ev.TotalRevenue)).
		AddField("imbalance_p", ev.ImbalanceP).
		AddField("imbalance_q", ev.ImbalanceQ).
		AddField("voltage_violations", ev.VoltageViolations).
		AddField("line_violations", ev.LineViolations).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordBatch writes one dispatch_batch point.
func (s *InfluxSink) RecordBatch(ev coremetrics.BatchEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("dispatch_batch").
		AddField("steps", ev.Steps).
		AddField("failed", ev.Failed).
		AddField("duration_ms", round6(ev.Duration.Seconds()*1000)).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

func round6(f float64) float64 {
	return math.Round(f*1e6) / 1e6
}
