package events

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/execguard/internal/domain"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"
)

const (
	DefaultJournalDir = "./wal/events"
	segmentLimit      = 500
	maxSegments       = 20

	eventKeyPrefix = "event_"
)

// Record journaled event with its WAL index.
type Record struct {
	Index uint64          `json:"index"`
	Event domain.LogEvent `json:"event"`
}

// Journal persists structured events in a WAL so they survive restarts.
// The WAL guards its own segments; writeMu only keeps index allocation and the
// write together. Readers do not take it.
type Journal struct {
	wal     *gowal.Wal
	writeMu sync.Mutex
	l       *zap.Logger
}

// OpenJournal initializes a WAL-backed journal under dir.
func OpenJournal(dir string, l *zap.Logger) (*Journal, error) {
	if dir == "" {
		dir = DefaultJournalDir
	}
	if l == nil {
		l = zap.NewNop()
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "event_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init event WAL")
	}

	return &Journal{wal: wal, l: l.With(zap.String("component", "journal"))}, nil
}

// Publish implements Sink. Write failures are logged and dropped.
func (j *Journal) Publish(event domain.LogEvent) {
	if err := j.Append(event); err != nil {
		j.l.Warn("failed to journal event", zap.String("event_type", event.EventType), zap.Error(err))
	}
}

// Append writes the event to the WAL.
func (j *Journal) Append(event domain.LogEvent) error {
	if j == nil || j.wal == nil {
		return errors.New("event journal is not initialized")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	return j.wal.Write(j.wal.CurrentIndex()+1, eventKeyPrefix+event.EventType, payload)
}

// EventsAfter returns all events written after the provided WAL index.
func (j *Journal) EventsAfter(index uint64) ([]Record, error) {
	if j == nil || j.wal == nil {
		return nil, errors.New("event journal is not initialized")
	}

	current := j.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]Record, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		_, payload, err := j.wal.Get(idx)
		if err != nil {
			// rotated out
			continue
		}

		var event domain.LogEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, errors.Wrapf(err, "decode event %d", idx)
		}
		records = append(records, Record{Index: idx, Event: event})
	}

	return records, nil
}

// Recent returns up to n most recent events, oldest first.
func (j *Journal) Recent(n int) ([]Record, error) {
	current := j.CurrentIndex()
	var from uint64
	if n > 0 && current > uint64(n) {
		from = current - uint64(n)
	}
	return j.EventsAfter(from)
}

// CurrentIndex returns the latest WAL index stored.
func (j *Journal) CurrentIndex() uint64 {
	if j == nil || j.wal == nil {
		return 0
	}

	return j.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (j *Journal) Close() error {
	if j == nil || j.wal == nil {
		return errors.New("event journal is not initialized")
	}

	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	return j.wal.Close()
}
