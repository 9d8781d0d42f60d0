// Package egress contains the consumers that push the dispatched
// messages out of the process.
package egress

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/robocomm/connector"
	"github.com/FerroO2000/robocomm/internal"
	"github.com/FerroO2000/robocomm/internal/config"
	"github.com/FerroO2000/robocomm/msgs"
	"github.com/FerroO2000/robocomm/pubsub"
	qdb "github.com/questdb/go-questdb-client/v3"
	"go.opentelemetry.io/otel/attribute"
)

// ErrRecorderQueueFull is returned by the recorder subscribers
// when the row queue is full and the message is not recorded.
var ErrRecorderQueueFull = errors.New("questdb: recorder queue full")

//////////////
//  CONFIG  //
//////////////

// Default values for the QuestDB recorder configuration.
const (
	DefaultQuestDBConfigAddress           = "localhost:9000"
	DefaultQuestDBConfigRobotName         = "robot"
	DefaultQuestDBConfigAutoFlushRows     = 75_000
	DefaultQuestDBConfigAutoFlushInterval = time.Second
	DefaultQuestDBConfigRetryTimeout      = time.Second
	DefaultQuestDBConfigQueueSize         = 1024

	DefaultQuestDBConfigLocalizationTable = "localization"
	DefaultQuestDBConfigIMUTable          = "imu"
	DefaultQuestDBConfigLaserScanTable    = "laser_scan"
)

// QuestDBConfig structs contains the configuration for the QuestDB recorder.
type QuestDBConfig struct {
	// Address of the QuestDB server (HTTP endpoint).
	Address string `yaml:"address"`

	// RobotName is the value of the robot symbol of every row.
	RobotName string `yaml:"robot_name"`

	// AutoFlushRows is the number of buffered rows that triggers a flush.
	AutoFlushRows int `yaml:"auto_flush_rows"`

	// AutoFlushInterval is the maximum time the rows are buffered.
	AutoFlushInterval time.Duration `yaml:"auto_flush_interval"`

	// RetryTimeout is the time spent retrying a failed flush.
	RetryTimeout time.Duration `yaml:"retry_timeout"`

	// QueueSize is the size of the queue between the subscribers
	// and the writer. It is rounded up to the next power of 2.
	QueueSize uint32 `yaml:"queue_size"`

	// Table names.
	LocalizationTable string `yaml:"localization_table"`
	IMUTable          string `yaml:"imu_table"`
	LaserScanTable    string `yaml:"laser_scan_table"`
}

// NewQuestDBConfig returns the default configuration for the QuestDB recorder.
func NewQuestDBConfig() *QuestDBConfig {
	return &QuestDBConfig{
		Address:           DefaultQuestDBConfigAddress,
		RobotName:         DefaultQuestDBConfigRobotName,
		AutoFlushRows:     DefaultQuestDBConfigAutoFlushRows,
		AutoFlushInterval: DefaultQuestDBConfigAutoFlushInterval,
		RetryTimeout:      DefaultQuestDBConfigRetryTimeout,
		QueueSize:         DefaultQuestDBConfigQueueSize,

		LocalizationTable: DefaultQuestDBConfigLocalizationTable,
		IMUTable:          DefaultQuestDBConfigIMUTable,
		LaserScanTable:    DefaultQuestDBConfigLaserScanTable,
	}
}

// Validate checks the configuration.
func (c *QuestDBConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "Address", &c.Address, DefaultQuestDBConfigAddress)
	config.CheckNotEmpty(ac, "RobotName", &c.RobotName, DefaultQuestDBConfigRobotName)

	config.CheckNotNegative(ac, "AutoFlushRows", &c.AutoFlushRows, DefaultQuestDBConfigAutoFlushRows)
	config.CheckNotZero(ac, "AutoFlushRows", &c.AutoFlushRows, DefaultQuestDBConfigAutoFlushRows)

	config.CheckNotNegative(ac, "AutoFlushInterval", &c.AutoFlushInterval, DefaultQuestDBConfigAutoFlushInterval)
	config.CheckNotZero(ac, "AutoFlushInterval", &c.AutoFlushInterval, DefaultQuestDBConfigAutoFlushInterval)

	config.CheckNotNegative(ac, "RetryTimeout", &c.RetryTimeout, DefaultQuestDBConfigRetryTimeout)

	config.CheckNotZero(ac, "QueueSize", &c.QueueSize, DefaultQuestDBConfigQueueSize)

	config.CheckNotEmpty(ac, "LocalizationTable", &c.LocalizationTable, DefaultQuestDBConfigLocalizationTable)
	config.CheckNotEmpty(ac, "IMUTable", &c.IMUTable, DefaultQuestDBConfigIMUTable)
	config.CheckNotEmpty(ac, "LaserScanTable", &c.LaserScanTable, DefaultQuestDBConfigLaserScanTable)
}

///////////
//  ROW  //
///////////

type questDBColumnType int

const (
	questDBColumnTypeFloat questDBColumnType = iota
	questDBColumnTypeInt
)

type questDBColumn struct {
	name string
	typ  questDBColumnType

	floatValue float64
	intValue   int64
}

func floatColumn(name string, value float64) questDBColumn {
	return questDBColumn{name: name, typ: questDBColumnTypeFloat, floatValue: value}
}

func intColumn(name string, value int64) questDBColumn {
	return questDBColumn{name: name, typ: questDBColumnTypeInt, intValue: value}
}

// questDBRow is a row to be inserted into the database.
type questDBRow struct {
	table     string
	columns   []questDBColumn
	timestamp time.Time
}

func newQuestDBRow(table string, stamp time.Time, columns ...questDBColumn) *questDBRow {
	if stamp.IsZero() {
		stamp = time.Now()
	}

	return &questDBRow{
		table:     table,
		columns:   columns,
		timestamp: stamp,
	}
}

func localizationRow(table string, loc msgs.Localization) *questDBRow {
	return newQuestDBRow(table, loc.Stamp,
		floatColumn("x", loc.Pose.X),
		floatColumn("y", loc.Pose.Y),
		floatColumn("theta", loc.Pose.Theta.Value()),
	)
}

func imuRow(table string, imu msgs.IMU) *questDBRow {
	return newQuestDBRow(table, imu.Stamp,
		floatColumn("yaw", imu.Orientation.Yaw().Value()),
		floatColumn("qx", imu.Orientation.X),
		floatColumn("qy", imu.Orientation.Y),
		floatColumn("qz", imu.Orientation.Z),
		floatColumn("qw", imu.Orientation.W),
		floatColumn("gx", imu.AngularVelocity.X),
		floatColumn("gy", imu.AngularVelocity.Y),
		floatColumn("gz", imu.AngularVelocity.Z),
		floatColumn("ax", imu.LinearAcceleration.X),
		floatColumn("ay", imu.LinearAcceleration.Y),
		floatColumn("az", imu.LinearAcceleration.Z),
	)
}

// laserScanRow summarizes the scan: the ranges are not stored.
func laserScanRow(table string, scan msgs.LaserScan) *questDBRow {
	nearest := math.Inf(1)
	valid := int64(0)
	for _, r := range scan.Ranges {
		if r < scan.RangeMin || r > scan.RangeMax {
			continue
		}

		valid++
		nearest = min(nearest, r)
	}

	columns := []questDBColumn{
		intColumn("ranges", int64(len(scan.Ranges))),
		intColumn("valid_ranges", valid),
		floatColumn("angle_min", scan.AngleMin),
		floatColumn("angle_max", scan.AngleMax),
	}

	if valid > 0 {
		columns = append(columns, floatColumn("nearest", nearest))
	}

	return newQuestDBRow(table, scan.Stamp, columns...)
}

////////////////
//  RECORDER  //
////////////////

// QuestDBRecorder records the dispatched messages into QuestDB.
//
// The subscribers returned by Localization, IMU and LaserScan only
// queue a row, so the dispatch loop never waits for the database.
// The rows are written by Run.
type QuestDBRecorder struct {
	tel *internal.Telemetry
	cfg *QuestDBConfig

	rows connector.Connector[*questDBRow]

	senderPool *qdb.LineSenderPool
	sender     qdb.LineSender

	closeOnce sync.Once

	// Metrics
	queuedRows   atomic.Int64
	droppedRows  atomic.Int64
	insertedRows atomic.Int64
	failedRows   atomic.Int64
	flushes      atomic.Int64
}

// NewQuestDBRecorder returns a new QuestDB recorder.
func NewQuestDBRecorder(cfg *QuestDBConfig) *QuestDBRecorder {
	return &QuestDBRecorder{
		tel: internal.NewTelemetry("egress", "questdb"),
		cfg: cfg,
	}
}

// Init validates the configuration and creates the sender.
func (qr *QuestDBRecorder) Init(ctx context.Context) error {
	qr.tel.LogInfo("initializing")

	config.NewValidator(qr.tel).Validate(qr.cfg)

	// Create the sender pool
	senderPool, err := qdb.PoolFromOptions(
		qdb.WithAddress(qr.cfg.Address),
		qdb.WithHttp(),
		qdb.WithAutoFlushRows(qr.cfg.AutoFlushRows),
		qdb.WithAutoFlushInterval(qr.cfg.AutoFlushInterval),
		qdb.WithRetryTimeout(qr.cfg.RetryTimeout),
	)
	if err != nil {
		return err
	}
	qr.senderPool = senderPool

	// Get the sender from the pool
	sender, err := senderPool.Sender(ctx)
	if err != nil {
		return err
	}
	qr.sender = sender

	qr.rows = connector.NewRingBuffer[*questDBRow](qr.cfg.QueueSize)

	qr.initMetrics()

	return nil
}

func (qr *QuestDBRecorder) initMetrics() {
	qr.tel.NewCounter("queued_rows", func() int64 { return qr.queuedRows.Load() })
	qr.tel.NewCounter("dropped_rows", func() int64 { return qr.droppedRows.Load() })
	qr.tel.NewCounter("inserted_rows", func() int64 { return qr.insertedRows.Load() })
	qr.tel.NewCounter("failed_rows", func() int64 { return qr.failedRows.Load() })
	qr.tel.NewCounter("flushes", func() int64 { return qr.flushes.Load() })
	qr.tel.NewUpDownCounter("queue_length", func() int64 { return int64(qr.rows.Len()) })
}

func (qr *QuestDBRecorder) queue(row *questDBRow) error {
	if err := qr.rows.TryWrite(row); err != nil {
		qr.droppedRows.Add(1)

		if errors.Is(err, connector.ErrFull) {
			return ErrRecorderQueueFull
		}
		return err
	}

	qr.queuedRows.Add(1)

	return nil
}

// Localization returns the subscriber recording the poses.
// Init must be called before the first message is delivered.
func (qr *QuestDBRecorder) Localization() pubsub.Subscriber[msgs.Localization] {
	return pubsub.SubscriberFunc[msgs.Localization](func(_ context.Context, msg msgs.Localization) error {
		return qr.queue(localizationRow(qr.cfg.LocalizationTable, msg))
	})
}

// IMU returns the subscriber recording the IMU samples.
func (qr *QuestDBRecorder) IMU() pubsub.Subscriber[msgs.IMU] {
	return pubsub.SubscriberFunc[msgs.IMU](func(_ context.Context, msg msgs.IMU) error {
		return qr.queue(imuRow(qr.cfg.IMUTable, msg))
	})
}

// LaserScan returns the subscriber recording a summary of the scans.
func (qr *QuestDBRecorder) LaserScan() pubsub.Subscriber[msgs.LaserScan] {
	return pubsub.SubscriberFunc[msgs.LaserScan](func(_ context.Context, msg msgs.LaserScan) error {
		return qr.queue(laserScanRow(qr.cfg.LaserScanTable, msg))
	})
}

// Run writes the queued rows until the recorder is closed.
// The buffered rows are flushed every time the queue becomes empty.
func (qr *QuestDBRecorder) Run(ctx context.Context) {
	qr.tel.LogInfo("running")

	for {
		row, err := qr.rows.Read(ctx)
		if err != nil {
			// Closed or cancelled
			break
		}

		qr.write(ctx, row)

		if qr.rows.Len() == 0 {
			qr.flush(ctx)
		}
	}

	// The context may be done, the last flush uses a fresh one
	flushCtx, cancel := context.WithTimeout(context.Background(), qr.cfg.RetryTimeout+time.Second)
	defer cancel()

	qr.flush(flushCtx)
}

func (qr *QuestDBRecorder) write(ctx context.Context, row *questDBRow) {
	ctx, span := qr.tel.NewTrace(ctx, "write QuestDB row")
	defer span.End()

	span.SetAttributes(
		attribute.String("table", row.table),
		attribute.Int("columns", len(row.columns)),
	)

	query := qr.sender.Table(row.table).Symbol("robot", qr.cfg.RobotName)

	for _, col := range row.columns {
		switch col.typ {
		case questDBColumnTypeFloat:
			query.Float64Column(col.name, col.floatValue)
		case questDBColumnTypeInt:
			query.Int64Column(col.name, col.intValue)
		}
	}

	if err := query.At(ctx, row.timestamp); err != nil {
		qr.failedRows.Add(1)
		qr.tel.LogError("failed to write row", err, "table", row.table)
		return
	}

	qr.insertedRows.Add(1)
}

func (qr *QuestDBRecorder) flush(ctx context.Context) {
	if err := qr.sender.Flush(ctx); err != nil {
		qr.tel.LogError("failed to flush rows", err)
		return
	}

	qr.flushes.Add(1)
}

// Close stops accepting rows. Run writes the rows still queued and returns.
func (qr *QuestDBRecorder) Close() {
	qr.closeOnce.Do(func() {
		qr.tel.LogInfo("closing")

		if qr.rows != nil {
			qr.rows.Close()
		}
	})
}

// Shutdown releases the sender. It must be called after Run has returned.
func (qr *QuestDBRecorder) Shutdown(ctx context.Context) error {
	var errs []error

	if qr.sender != nil {
		if err := qr.sender.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if qr.senderPool != nil {
		if err := qr.senderPool.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
