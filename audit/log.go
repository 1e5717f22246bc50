// Package audit is the gate's append-only decision log: one JSON line per
// request, each hash-chained to its predecessor and fsynced before the
// caller gets an answer.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"trading_gate/logs"
	"trading_gate/risk"
)

// ErrChainBroken is returned when a record does not link to, or hash like,
// what the log says it should.
var ErrChainBroken = errors.New("audit chain broken")

// Decisions.
const (
	DecisionAccepted      = "accepted"
	DecisionRejected      = "rejected"
	DecisionAnswered      = "answered"
	DecisionAcknowledged  = "acknowledged"
	DecisionError         = "error"
	DecisionProtocolError = "protocol_error"
	DecisionFallback      = "fallback"
	DecisionStopTriggered = "stop_triggered"
)

// Record is one immutable audit entry.
type Record struct {
	Seq              uint64             `json:"seq"`
	Timestamp        time.Time          `json:"timestamp"`
	RequestType      string             `json:"request_type"`
	Request          json.RawMessage    `json:"request"`
	Checks           []risk.CheckResult `json:"checks"`
	Decision         string             `json:"decision"`
	ResultingOrderID string             `json:"resulting_order_id,omitempty"`
	Reason           string             `json:"reason,omitempty"`
	PrevHash         string             `json:"prev_hash"`
	Hash             string             `json:"hash,omitempty"`
}

// Entry is what a caller hands to Append; the log fills in sequence,
// time and hashes.
type Entry struct {
	RequestType      string
	Request          interface{}
	Checks           []risk.CheckResult
	Decision         string
	ResultingOrderID string
	Reason           string
}

// logFile is the part of *os.File the log writes through.
type logFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

// Log is a single-writer append-only file.
type Log struct {
	mu       sync.Mutex
	path     string
	f        logFile
	size     int64
	broken   error
	seq      uint64
	lastHash string
	lastTime time.Time
	now      func() time.Time
}

// Open opens or creates the log at path and resumes its chain from the
// last record. A torn final line left by a crash mid-append is cut off;
// it was never acknowledged to anyone.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	l := &Log{path: path, now: time.Now}

	good, err := l.resume()
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	if info, err := f.Stat(); err == nil && info.Size() > good {
		logs.Warnf("[Audit] Truncating torn tail of %s (%d bytes)", path, info.Size()-good)
		if err := f.Truncate(good); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to truncate torn audit tail: %w", err)
		}
	}
	l.f, l.size = f, good
	logs.Infof("[Audit] Opened %s at seq %d", path, l.seq)
	return l, nil
}

// resume reads the last complete record and returns the byte offset just
// past it.
func (l *Log) resume() (int64, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read audit log: %w", err)
	}
	defer f.Close()

	var last []byte
	var good int64
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read audit log: %w", err)
		}
		good += int64(len(line))
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			last = trimmed
		}
	}
	if last == nil {
		return good, nil
	}
	var rec Record
	if err := json.Unmarshal(last, &rec); err != nil {
		return 0, fmt.Errorf("%w: last record unreadable: %v", ErrChainBroken, err)
	}
	l.seq, l.lastHash, l.lastTime = rec.Seq, rec.Hash, rec.Timestamp
	return good, nil
}

// SetClock replaces the wall clock, for tests.
func (l *Log) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Append writes e as the next record and fsyncs. It returns only once the
// record is durable.
func (l *Log) Append(e Entry) (Record, error) {
	req, err := json.Marshal(e.Request)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode audited request: %w", err)
	}
	if e.Request == nil {
		req = []byte("{}")
	}
	checks := e.Checks
	if checks == nil {
		checks = []risk.CheckResult{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return Record{}, fmt.Errorf("audit log %s is closed", l.path)
	}
	if l.broken != nil {
		return Record{}, fmt.Errorf("audit log %s is unusable: %w", l.path, l.broken)
	}

	ts := l.now().UTC()
	if !ts.After(l.lastTime) {
		ts = l.lastTime.Add(time.Nanosecond)
	}
	rec := Record{
		Seq:              l.seq + 1,
		Timestamp:        ts,
		RequestType:      e.RequestType,
		Request:          req,
		Checks:           checks,
		Decision:         e.Decision,
		ResultingOrderID: e.ResultingOrderID,
		Reason:           e.Reason,
		PrevHash:         l.lastHash,
	}
	rec.Hash, err = hashRecord(rec)
	if err != nil {
		return Record{}, err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode audit record: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.f.Write(line); err != nil {
		return Record{}, l.rollback(fmt.Errorf("failed to write audit record: %w", err))
	}
	if err := l.f.Sync(); err != nil {
		return Record{}, l.rollback(fmt.Errorf("failed to sync audit log: %w", err))
	}
	l.size += int64(len(line))
	l.seq, l.lastHash, l.lastTime = rec.Seq, rec.Hash, rec.Timestamp
	return rec, nil
}

// rollback cuts the file back to the last durable record after a failed
// append, so a record nobody was told about never joins the chain. If the
// cut itself fails the log refuses further appends. The caller holds l.mu.
func (l *Log) rollback(cause error) error {
	err := l.f.Truncate(l.size)
	if err == nil {
		err = l.f.Sync()
	}
	if err != nil {
		l.broken = fmt.Errorf("%v; rollback failed: %w", cause, err)
		logs.Errorf("[Audit] %v", l.broken)
		return l.broken
	}
	logs.Warnf("[Audit] Append rolled back to seq %d: %v", l.seq, cause)
	return cause
}

// Seq is the sequence number of the last durable record.
func (l *Log) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// hashRecord is sha256 over the canonical JSON of rec without its hash.
func hashRecord(rec Record) (string, error) {
	rec.Hash = ""
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode audit record for hashing: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize audit record: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
