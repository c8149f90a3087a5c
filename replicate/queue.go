// Package replicate is the durable, SQLite-backed queue of sealed MRT
// segments awaiting shipment to a configured destination (spec.md §4.6).
package replicate

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/transitorykris/kbgpd/kind"
)

// defaultShipInterval is used when the caller (or configuration) doesn't
// specify one for Run.
const defaultShipInterval = 30 * time.Second

// State is one of the four lifecycle states a queued segment passes
// through (spec.md §4.6).
type State string

const (
	Queued   State = "queued"
	InFlight State = "in_flight"
	Shipped  State = "shipped"
	Failed   State = "failed"
)

// segmentRow is the gorm model backing the `segments` table; its column
// list matches spec.md §4.6/§6 exactly.
type segmentRow struct {
	ID           string `gorm:"primaryKey"`
	SegmentPath  string
	ManifestPath string
	Destination  string
	State        State
	Attempts     int
	LastError    string
	EnqueuedAt   time.Time
	ShippedAt    *time.Time
}

func (segmentRow) TableName() string { return "segments" }

// Queue wraps a *gorm.DB opened through gorm.io/driver/sqlite, which is
// built on the cgo mattn/go-sqlite3 driver.
type Queue struct {
	db          *gorm.DB
	destination Destination
	maxRetries  int
	log         *logrus.Entry
}

// Open opens (creating if necessary) the queue database at path and runs
// its schema migration.
func Open(path string, destination Destination, maxRetries int) (*Queue, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, kind.New(kind.ConfigInvalid, "replicate.Open", errors.Wrap(err, "opening queue database"))
	}
	if err := db.AutoMigrate(&segmentRow{}); err != nil {
		return nil, kind.New(kind.ConfigInvalid, "replicate.Open", errors.Wrap(err, "migrating queue schema"))
	}
	q := &Queue{db: db, destination: destination, maxRetries: maxRetries, log: logrus.WithField("component", "replicate")}
	if err := q.RecoverInFlight(); err != nil {
		return nil, err
	}
	return q, nil
}

// Run pumps ShipNext on a fixed interval until stop is closed, so
// segments enqueued by the archive writer actually leave the host
// instead of sitting Queued forever (spec.md §4.6, §5: "replication
// queue are separate tasks"). A non-positive interval falls back to
// defaultShipInterval.
func (q *Queue) Run(stop <-chan struct{}, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultShipInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			if err := q.ShipNext(); err != nil {
				q.log.WithError(err).Error("shipping segment failed")
			}
		}
	}
}

// Enqueue inserts a newly sealed segment+manifest pair as one Queued row
// (spec.md §3: "every sealed segment appears exactly once in the
// replication queue").
func (q *Queue) Enqueue(segmentPath, manifestPath string) error {
	row := segmentRow{
		ID:           uuid.NewString(),
		SegmentPath:  segmentPath,
		ManifestPath: manifestPath,
		Destination:  q.destination.Name(),
		State:        Queued,
		EnqueuedAt:   time.Now(),
	}
	return q.db.Create(&row).Error
}

// RecoverInFlight resets any row left InFlight by a prior crash back to
// Queued (spec.md §4.6: "Crash recovery").
func (q *Queue) RecoverInFlight() error {
	return q.db.Model(&segmentRow{}).
		Where("state = ?", InFlight).
		Update("state", Queued).Error
}

// ShipNext ships the oldest Queued row, if any, applying the state
// machine Queued → InFlight → Shipped/Queued(retry)/Failed.
func (q *Queue) ShipNext() error {
	var row segmentRow
	err := q.db.Where("state = ?", Queued).Order("enqueued_at").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := q.db.Model(&row).Update("state", InFlight).Error; err != nil {
		return err
	}

	shipErr := q.destination.Ship(row.SegmentPath, row.ManifestPath)
	if shipErr == nil {
		now := time.Now()
		return q.db.Model(&row).Updates(map[string]interface{}{
			"state":      Shipped,
			"shipped_at": &now,
		}).Error
	}

	row.Attempts++
	updates := map[string]interface{}{
		"attempts":   row.Attempts,
		"last_error": shipErr.Error(),
	}
	if row.Attempts >= q.maxRetries && q.maxRetries > 0 {
		updates["state"] = Failed
	} else {
		updates["state"] = Queued
	}
	if err := q.db.Model(&row).Updates(updates).Error; err != nil {
		return err
	}
	return kind.New(kind.ReplicationFailure, "replicate.ShipNext", shipErr)
}

// Status summarizes queue depth by state, for the `archive status`
// control command.
type Status struct {
	Queued   int64
	InFlight int64
	Shipped  int64
	Failed   int64
}

func (q *Queue) Status() (Status, error) {
	var s Status
	if err := q.db.Model(&segmentRow{}).Where("state = ?", Queued).Count(&s.Queued).Error; err != nil {
		return s, err
	}
	if err := q.db.Model(&segmentRow{}).Where("state = ?", InFlight).Count(&s.InFlight).Error; err != nil {
		return s, err
	}
	if err := q.db.Model(&segmentRow{}).Where("state = ?", Shipped).Count(&s.Shipped).Error; err != nil {
		return s, err
	}
	if err := q.db.Model(&segmentRow{}).Where("state = ?", Failed).Count(&s.Failed).Error; err != nil {
		return s, err
	}
	return s, nil
}
