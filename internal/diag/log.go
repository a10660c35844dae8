// Package diag keeps a bounded tail of the device log that a connected peer
// can read back, for devices with no console attached.
package diag

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
)

// MaxAttrRead is the largest value a single ATT read returns.
const MaxAttrRead = 512

// Log is a fixed-size byte ring that keeps the newest log output.
// Writes never block: when the ring is full the oldest bytes are discarded.
type Log struct {
	mu        sync.Mutex
	rb        *ringbuffer.RingBuffer
	discard   []byte
	formatter logrus.Formatter
	level     logrus.Level
	dropped   uint64
}

// New creates a Log holding at most size bytes. Entries at or above level
// (in severity) are captured when used as a logrus hook.
func New(size int, level logrus.Level) *Log {
	if size <= 0 {
		panic("diag: size must be > 0")
	}
	return &Log{
		rb:      ringbuffer.New(size),
		discard: make([]byte, size),
		formatter: &logrus.TextFormatter{
			DisableColors:    true,
			DisableTimestamp: true,
			DisableQuote:     true,
		},
		level: level,
	}
}

// Write appends p, evicting the oldest bytes as needed.
func (l *Log) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(p)
	if size := l.rb.Capacity(); len(p) > size {
		l.dropped += uint64(len(p) - size)
		p = p[len(p)-size:]
	}

	if free := l.rb.Free(); free < len(p) {
		evict := len(p) - free
		if _, err := l.rb.TryRead(l.discard[:evict]); err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return 0, fmt.Errorf("diag evict failed: %w", err)
		}
		l.dropped += uint64(evict)
	}

	if _, err := l.rb.Write(p); err != nil {
		return 0, fmt.Errorf("diag write failed: %w", err)
	}
	return n, nil
}

// Drain removes and returns up to max bytes, oldest first.
func (l *Log) Drain(max int) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.rb.Length()
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return []byte{}
	}

	out := make([]byte, n)
	read, err := l.rb.TryRead(out)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return []byte{}
	}
	return out[:read]
}

// Reader returns a read callback for an attribute. Each call drains at most
// max bytes, capped at one ATT read; max <= 0 means one full ATT read.
func (l *Log) Reader() func(max int) []byte {
	return func(max int) []byte {
		if max <= 0 || max > MaxAttrRead {
			max = MaxAttrRead
		}
		return l.Drain(max)
	}
}

// Len is the number of buffered bytes.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rb.Length()
}

// Dropped is the number of bytes evicted so far.
func (l *Log) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Levels implements logrus.Hook.
func (l *Log) Levels() []logrus.Level {
	var levels []logrus.Level
	for _, lvl := range logrus.AllLevels {
		if lvl <= l.level {
			levels = append(levels, lvl)
		}
	}
	return levels
}

// Fire implements logrus.Hook.
func (l *Log) Fire(entry *logrus.Entry) error {
	line, err := l.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = l.Write(line)
	return err
}
