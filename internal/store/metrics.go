package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/corebit/corebit/internal/models"
)

// sampleKind routes a buffered row to its table
type sampleKind int

const (
	sampleDeviceMetrics sampleKind = iota
	samplePrometheus
	sampleBandwidth
)

type bufferedSample struct {
	kind       sampleKind
	device     *models.DeviceMetricsSample
	prometheus *models.PrometheusMetricSample
	bandwidth  *models.BandwidthSample
}

// AppendMetricsSample buffers one device resource reading
func (s *Store) AppendMetricsSample(ctx context.Context, sample *models.DeviceMetricsSample) error {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	s.append(bufferedSample{kind: sampleDeviceMetrics, device: sample})
	return nil
}

// AppendPrometheusSample buffers one custom metric reading
func (s *Store) AppendPrometheusSample(ctx context.Context, sample *models.PrometheusMetricSample) error {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	s.append(bufferedSample{kind: samplePrometheus, prometheus: sample})
	return nil
}

// AppendBandwidthSample buffers one differencer emission
func (s *Store) AppendBandwidthSample(ctx context.Context, sample *models.BandwidthSample) error {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	s.append(bufferedSample{kind: sampleBandwidth, bandwidth: sample})
	return nil
}

func (s *Store) append(b bufferedSample) {
	s.bufferMu.Lock()
	s.buffer = append(s.buffer, b)
	shouldFlush := len(s.buffer) >= s.config.WriteBufferSize
	s.bufferMu.Unlock()

	if shouldFlush {
		if err := s.Flush(); err != nil {
			log.Error().Err(err).Msg("Metrics flush failed")
		}
	}
}

// Flush writes all buffered samples in one transaction
func (s *Store) Flush() error {
	s.bufferMu.Lock()
	if len(s.buffer) == 0 {
		s.bufferMu.Unlock()
		return nil
	}
	batch := s.buffer
	s.buffer = make([]bufferedSample, 0, s.config.WriteBufferSize)
	s.bufferMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin metrics batch: %w", err)
	}
	defer tx.Rollback()

	deviceStmt, err := tx.Prepare(`
		INSERT INTO device_metrics_history
			(device_id, cpu_percent, memory_percent, disk_percent, ping_rtt_ms, uptime_seconds, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer deviceStmt.Close()

	promStmt, err := tx.Prepare(`
		INSERT INTO prometheus_metrics_history (device_id, metric_id, value, raw_value, timestamp)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer promStmt.Close()

	bwStmt, err := tx.Prepare(`
		INSERT INTO connection_bandwidth_history (connection_id, in_bps, out_bps, utilisation, timestamp)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer bwStmt.Close()

	for _, b := range batch {
		switch b.kind {
		case sampleDeviceMetrics:
			m := b.device
			_, err = deviceStmt.Exec(m.DeviceID, m.CPUPercent, m.MemoryPercent,
				m.DiskPercent, m.PingRTTMillis, m.UptimeSeconds, m.Timestamp.Unix())
		case samplePrometheus:
			p := b.prometheus
			_, err = promStmt.Exec(p.DeviceID, p.MetricID, p.Value, p.RawValue, p.Timestamp.Unix())
		case sampleBandwidth:
			bw := b.bandwidth
			_, err = bwStmt.Exec(bw.ConnectionID, bw.InBitsPerSec, bw.OutBitsPerSec,
				bw.Utilisation, bw.Timestamp.Unix())
		}
		if err != nil {
			return fmt.Errorf("write metrics batch: %w", err)
		}
	}

	return tx.Commit()
}

func (s *Store) flushWorker() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				log.Error().Err(err).Msg("Periodic metrics flush failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// AggregatedMetrics down-samples a device's history into at most maxPoints
// time buckets using per-bucket means, carrying CPU min/max.
func (s *Store) AggregatedMetrics(ctx context.Context, deviceID string, since time.Time, maxPoints int) ([]models.AggregatedPoint, error) {
	if maxPoints <= 0 {
		maxPoints = 300
	}
	bucket := bucketSeconds(since, maxPoints)

	rows, err := s.db.QueryContext(ctx, `
		SELECT (timestamp / ?) * ? AS bucket,
			AVG(cpu_percent), AVG(memory_percent), AVG(disk_percent), AVG(ping_rtt_ms),
			MIN(cpu_percent), MAX(cpu_percent)
		FROM device_metrics_history
		WHERE device_id = ? AND timestamp >= ?
		GROUP BY bucket ORDER BY bucket ASC`,
		bucket, bucket, deviceID, since.Unix())
	if err != nil {
		return nil, repoErr("aggregated_metrics", err)
	}
	defer rows.Close()

	var points []models.AggregatedPoint
	for rows.Next() {
		var p models.AggregatedPoint
		var ts int64
		if err := rows.Scan(&ts, &p.CPUPercent, &p.MemoryPercent, &p.DiskPercent,
			&p.PingRTTMillis, &p.MinCPU, &p.MaxCPU); err != nil {
			return nil, repoErr("scan_aggregated_metrics", err)
		}
		p.Timestamp = time.Unix(ts, 0).UTC()
		points = append(points, p)
	}
	return points, repoErr("iterate_aggregated_metrics", rows.Err())
}

// AggregatedBandwidth down-samples a connection's bandwidth history
func (s *Store) AggregatedBandwidth(ctx context.Context, connectionID string, since time.Time, maxPoints int) ([]models.AggregatedBandwidthPoint, error) {
	if maxPoints <= 0 {
		maxPoints = 300
	}
	bucket := bucketSeconds(since, maxPoints)

	rows, err := s.db.QueryContext(ctx, `
		SELECT (timestamp / ?) * ? AS bucket,
			AVG(in_bps), AVG(out_bps), AVG(utilisation), MAX(in_bps), MAX(out_bps)
		FROM connection_bandwidth_history
		WHERE connection_id = ? AND timestamp >= ?
		GROUP BY bucket ORDER BY bucket ASC`,
		bucket, bucket, connectionID, since.Unix())
	if err != nil {
		return nil, repoErr("aggregated_bandwidth", err)
	}
	defer rows.Close()

	var points []models.AggregatedBandwidthPoint
	for rows.Next() {
		var p models.AggregatedBandwidthPoint
		var ts int64
		if err := rows.Scan(&ts, &p.InBitsPerSec, &p.OutBitsPerSec, &p.Utilisation,
			&p.MaxIn, &p.MaxOut); err != nil {
			return nil, repoErr("scan_aggregated_bandwidth", err)
		}
		p.Timestamp = time.Unix(ts, 0).UTC()
		points = append(points, p)
	}
	return points, repoErr("iterate_aggregated_bandwidth", rows.Err())
}

// PrometheusHistory returns raw custom-metric rows for one series
func (s *Store) PrometheusHistory(ctx context.Context, deviceID, metricID string, since time.Time) ([]models.PrometheusMetricSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, metric_id, value, raw_value, timestamp
		FROM prometheus_metrics_history
		WHERE device_id = ? AND metric_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC`,
		deviceID, metricID, since.Unix())
	if err != nil {
		return nil, repoErr("prometheus_history", err)
	}
	defer rows.Close()

	var samples []models.PrometheusMetricSample
	for rows.Next() {
		var m models.PrometheusMetricSample
		var ts int64
		if err := rows.Scan(&m.DeviceID, &m.MetricID, &m.Value, &m.RawValue, &ts); err != nil {
			return nil, repoErr("scan_prometheus_history", err)
		}
		m.Timestamp = time.Unix(ts, 0).UTC()
		samples = append(samples, m)
	}
	return samples, repoErr("iterate_prometheus_history", rows.Err())
}

// PurgeOlderThan deletes time-series rows past the retention window and
// returns the number of rows removed
func (s *Store) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	if err := s.Flush(); err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-retention).Unix()
	var total int64
	for _, table := range []string{
		"device_metrics_history",
		"prometheus_metrics_history",
		"connection_bandwidth_history",
	} {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE timestamp < ?`, table), cutoff)
		if err != nil {
			return total, repoErr("purge_"+table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// bucketSeconds sizes aggregation buckets so the range yields ~maxPoints
func bucketSeconds(since time.Time, maxPoints int) int64 {
	rangeSeconds := int64(time.Since(since).Seconds())
	if rangeSeconds <= 0 {
		rangeSeconds = 1
	}
	bucket := rangeSeconds / int64(maxPoints)
	if bucket < 1 {
		bucket = 1
	}
	return bucket
}
