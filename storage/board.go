package storage

import (
	"errors"

	"github.com/FerroO2000/robocomm/msgs"
	"github.com/FerroO2000/robocomm/pubsub"
)

// Board groups the storages of every domain message.
type Board struct {
	Localization *Storage[msgs.Localization]
	IMU          *Storage[msgs.IMU]
	LaserScan    *Storage[msgs.LaserScan]
}

// NewBoard returns a new board with empty storages.
func NewBoard() *Board {
	return &Board{
		Localization: New[msgs.Localization](),
		IMU:          New[msgs.IMU](),
		LaserScan:    New[msgs.LaserScan](),
	}
}

// BoardSnapshot is the content of a board at a given time.
// A nil field means that no message of that type has arrived yet.
type BoardSnapshot struct {
	Localization *Snapshot[msgs.Localization]
	IMU          *Snapshot[msgs.IMU]
	LaserScan    *Snapshot[msgs.LaserScan]
}

// IsComplete states whether every message type has arrived at least once.
func (bs BoardSnapshot) IsComplete() bool {
	return bs.Localization != nil && bs.IMU != nil && bs.LaserScan != nil
}

func snapshotOrNil[T any](s *Storage[T]) *Snapshot[T] {
	snap, ok := s.Snapshot()
	if !ok {
		return nil
	}
	return &snap
}

// Snapshot returns the content of the board.
// Every slot is read atomically, but slots are independent of each other.
func (b *Board) Snapshot() BoardSnapshot {
	return BoardSnapshot{
		Localization: snapshotOrNil(b.Localization),
		IMU:          snapshotOrNil(b.IMU),
		LaserScan:    snapshotOrNil(b.LaserScan),
	}
}

// Attach registers the storages of the board on the given publishers.
// Nil publishers are skipped.
func (b *Board) Attach(
	loc *pubsub.Publisher[msgs.Localization],
	imu *pubsub.Publisher[msgs.IMU],
	scan *pubsub.Publisher[msgs.LaserScan],
) error {
	var errs []error

	if loc != nil {
		if _, err := loc.Register("storage_localization", b.Localization); err != nil {
			errs = append(errs, err)
		}
	}

	if imu != nil {
		if _, err := imu.Register("storage_imu", b.IMU); err != nil {
			errs = append(errs, err)
		}
	}

	if scan != nil {
		if _, err := scan.Register("storage_laser_scan", b.LaserScan); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
