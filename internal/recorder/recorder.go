// Package recorder writes appliance snapshots to InfluxDB as a time series.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sagecoffee/internal/clock"
	"sagecoffee/internal/coordinator"
	"sagecoffee/internal/entry"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

const (
	defaultPingTimeout = 5 * time.Second
	defaultBatchSize   = 50
	defaultFlushMillis = 5000

	measurement = "coffee_machine"
)

var (
	ErrDisabled         = errors.New("influxdb: disabled in configuration")
	ErrConnectionFailed = errors.New("influxdb: connection failed")
)

// Config holds the InfluxDB connection settings
type Config struct {
	Enabled bool
	URL     string
	Token   string
	Org     string
	Bucket  string
}

// PointWriter is the part of the InfluxDB write API the recorder needs
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Recorder is an entry platform writing one point per appliance and
// cache notification
type Recorder struct {
	writer PointWriter
	logger *zap.Logger
	close  func()
	clock  clock.Clock

	mu   sync.Mutex
	subs map[string]coordinator.Subscription
}

// New creates a recorder on an existing writer
func New(writer PointWriter, logger *zap.Logger) *Recorder {
	return &Recorder{
		writer: writer,
		logger: logger.Named("recorder"),
		clock:  clock.NewReal(),
		subs:   make(map[string]coordinator.Subscription),
	}
}

// Connect creates an InfluxDB v2 client, checks the server is healthy and
// returns a recorder using its non-blocking write API.
func Connect(cfg Config, logger *zap.Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(defaultBatchSize).
			SetFlushInterval(defaultFlushMillis))

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	r := New(writeAPI, logger)
	r.close = client.Close

	go func() {
		for err := range writeAPI.Errors() {
			r.logger.Warn("InfluxDB write failed", zap.Error(err))
		}
	}()

	r.logger.Info("Connected to InfluxDB",
		zap.String("url", cfg.URL),
		zap.String("bucket", cfg.Bucket))
	return r, nil
}

// SetClock replaces the time source used to stamp points
func (r *Recorder) SetClock(c clock.Clock) {
	r.clock = c
}

func (r *Recorder) Name() string {
	return "influxdb"
}

func (r *Recorder) SetupEntry(ctx context.Context, rt *entry.Runtime) error {
	r.mu.Lock()
	r.subs[rt.Entry.ID] = rt.Coordinator.Subscribe(r.Record)
	r.mu.Unlock()

	// the seed was published before the subscription existed
	r.Record(rt.Coordinator.Data())
	return nil
}

func (r *Recorder) UnloadEntry(ctx context.Context, rt *entry.Runtime) error {
	r.mu.Lock()
	sub, ok := r.subs[rt.Entry.ID]
	delete(r.subs, rt.Entry.ID)
	r.mu.Unlock()

	if ok {
		sub.Unsubscribe()
	}
	r.writer.Flush()
	return nil
}

// Record writes one point per appliance in the snapshot
func (r *Recorder) Record(states map[string]coordinator.State) {
	ts := r.clock.Now()
	for serial, st := range states {
		r.writer.WritePoint(Point(serial, st, ts))
	}
}

// Point converts a snapshot into an InfluxDB point
func Point(serial string, st coordinator.State, ts time.Time) *write.Point {
	fields := map[string]interface{}{
		"state": st.ReportedState,
		"on":    st.IsOn(),
	}
	if brew, ok := st.Boiler(coordinator.BoilerBrew); ok {
		fields["brew_temp"] = brew.CurrentTemp
		fields["brew_target"] = brew.TargetTemp
	}
	if steam, ok := st.Boiler(coordinator.BoilerSteam); ok {
		fields["steam_temp"] = steam.CurrentTemp
		fields["steam_target"] = steam.TargetTemp
	}
	if st.GrindSize != nil {
		fields["grind_size"] = *st.GrindSize
	}

	return write.NewPoint(measurement, map[string]string{"serial": serial}, fields, ts)
}

// Close flushes pending points and closes the client
func (r *Recorder) Close() {
	r.writer.Flush()
	if r.close != nil {
		r.close()
	}
}
