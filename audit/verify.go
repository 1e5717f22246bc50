package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Scan calls fn for every record in the file at path, in order.
func Scan(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	line := 0
	for {
		raw, err := r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read audit log: %w", err)
		}
		if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 {
			line++
			var rec Record
			if jerr := json.Unmarshal(trimmed, &rec); jerr != nil {
				return fmt.Errorf("%w: line %d: %v", ErrChainBroken, line, jerr)
			}
			if ferr := fn(rec); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
	}
}

// Verify re-walks the whole chain and returns the number of records that
// checked out. Sequence numbers must be contiguous, timestamps strictly
// increasing, every prev_hash must match the record before it and every
// hash must match its record.
func Verify(path string) (int, error) {
	var (
		n    int
		prev Record
	)
	err := Scan(path, func(rec Record) error {
		if rec.Seq != prev.Seq+1 {
			return fmt.Errorf("%w: seq %d follows %d", ErrChainBroken, rec.Seq, prev.Seq)
		}
		if rec.PrevHash != prev.Hash {
			return fmt.Errorf("%w: seq %d prev_hash does not match seq %d", ErrChainBroken, rec.Seq, prev.Seq)
		}
		if n > 0 && !rec.Timestamp.After(prev.Timestamp) {
			return fmt.Errorf("%w: seq %d timestamp does not advance", ErrChainBroken, rec.Seq)
		}
		want, err := hashRecord(rec)
		if err != nil {
			return err
		}
		if want != rec.Hash {
			return fmt.Errorf("%w: seq %d hash mismatch", ErrChainBroken, rec.Seq)
		}
		prev = rec
		n++
		return nil
	})
	return n, err
}
