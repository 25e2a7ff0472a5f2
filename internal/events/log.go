package events

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"pqmatrix/internal/clock"
)

// ErrClosed is returned when appending to a closed log.
var ErrClosed = errors.New("events: log closed")

// Sink observes appended records in append order. A sink error is remembered
// and returned from Close; it never stops the log.
type Sink interface {
	Write(r Record) error
	Close() error
}

// Log serializes appends from every worker through one goroutine that owns
// the record slice, so sequence numbers and timestamps are assigned in a
// single total order.
type Log struct {
	clock  clock.Clock
	sinks  []Sink
	logger *zap.Logger

	appends   chan appendReq
	snapshots chan chan []Record
	done      chan struct{}

	closeOnce sync.Once
	closeMu   sync.RWMutex
	closed    bool
	sinkErr   error
}

type appendReq struct {
	rec   Record
	reply chan Record
}

// Options configures a Log.
type Options struct {
	Clock  clock.Clock
	Sinks  []Sink
	Logger *zap.Logger
}

// NewLog starts the writer lane. Callers must Close the log.
func NewLog(opts Options) *Log {
	l := &Log{
		clock:     opts.Clock,
		sinks:     opts.Sinks,
		logger:    opts.Logger,
		appends:   make(chan appendReq),
		snapshots: make(chan chan []Record),
		done:      make(chan struct{}),
	}
	if l.clock == nil {
		l.clock = clock.Real()
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	go l.run()
	return l
}

func (l *Log) run() {
	defer close(l.done)
	var records []Record
	var seq int64
	for {
		select {
		case req, ok := <-l.appends:
			if !ok {
				return
			}
			seq++
			rec := req.rec
			rec.Seq = seq
			rec.Time = l.clock.Now().UTC()
			records = append(records, rec)
			for _, s := range l.sinks {
				if err := safeWrite(s, rec); err != nil && l.sinkErr == nil {
					l.sinkErr = err
					l.logger.Warn("event sink failed", zap.Error(err))
				}
			}
			req.reply <- rec
		case reply := <-l.snapshots:
			out := make([]Record, len(records))
			copy(out, records)
			reply <- out
		}
	}
}

// Append adds a record and returns it with its sequence number and timestamp
// assigned. Appends from one goroutine keep their order.
func (l *Log) Append(r Record) (Record, error) {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.closed {
		return Record{}, ErrClosed
	}
	reply := make(chan Record, 1)
	l.appends <- appendReq{rec: r, reply: reply}
	return <-reply, nil
}

// Snapshot returns a copy of every record appended so far, in append order.
func (l *Log) Snapshot() []Record {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.closed {
		return nil
	}
	reply := make(chan []Record, 1)
	l.snapshots <- reply
	return <-reply
}

// Close stops the writer lane, closes the sinks and reports the first sink
// error. Snapshot must be taken before Close.
func (l *Log) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closeMu.Lock()
		l.closed = true
		close(l.appends)
		l.closeMu.Unlock()
		<-l.done

		err = l.sinkErr
		for _, s := range l.sinks {
			if cerr := s.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

// safeWrite keeps a panicking sink from taking the writer lane down.
func safeWrite(s Sink, r Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.New("events: sink panicked")
		}
	}()
	return s.Write(r)
}
