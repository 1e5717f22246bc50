package audit

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading_gate/risk"
)

func openAt(t *testing.T, path string, now time.Time) *Log {
	t.Helper()
	l, err := Open(path)
	require.NoError(t, err)
	l.SetClock(func() time.Time { return now })
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendChainsAndVerifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	l := openAt(t, path, now)

	first, err := l.Append(Entry{
		RequestType: "SubmitOrder",
		Request:     map[string]interface{}{"symbol": "BTC-USD", "size": 0.1},
		Checks:      []risk.CheckResult{{Name: "size_valid", Passed: true, Value: 1, Limit: 1, Source: "gate"}},
		Decision:    DecisionAccepted,
	})
	require.NoError(t, err)
	second, err := l.Append(Entry{RequestType: "GetPortfolio", Decision: DecisionAnswered})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, "", first.PrevHash)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Len(t, first.Hash, 64)
	assert.True(t, second.Timestamp.After(first.Timestamp), "frozen clock must still advance")
	assert.Equal(t, time.Nanosecond, second.Timestamp.Sub(first.Timestamp))
	assert.NotNil(t, second.Checks)

	n, err := Verify(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReopenResumesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	l := openAt(t, path, now)
	last, err := l.Append(Entry{RequestType: "GetOpenOrders", Decision: DecisionAnswered})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// An earlier clock after restart must not move time backwards.
	l2 := openAt(t, path, now.Add(-time.Hour))
	assert.Equal(t, uint64(1), l2.Seq())
	next, err := l2.Append(Entry{RequestType: "GetPortfolio", Decision: DecisionAnswered})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.Seq)
	assert.Equal(t, last.Hash, next.PrevHash)
	assert.True(t, next.Timestamp.After(last.Timestamp))

	n, err := Verify(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTornTailIsTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := openAt(t, path, time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))
	_, err := l.Append(Entry{RequestType: "GetPortfolio", Decision: DecisionAnswered})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"timest`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2 := openAt(t, path, time.Date(2026, 10, 16, 12, 1, 0, 0, time.UTC))
	_, err = l2.Append(Entry{RequestType: "GetOpenOrders", Decision: DecisionAnswered})
	require.NoError(t, err)

	n, err := Verify(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestVerifyDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := openAt(t, path, time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))
	_, err := l.Append(Entry{RequestType: "SubmitOrder", Decision: DecisionRejected, Reason: "daily_loss_halt"})
	require.NoError(t, err)
	_, err = l.Append(Entry{RequestType: "GetPortfolio", Decision: DecisionAnswered})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"decision":"rejected"`, `"decision":"accepted"`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))

	n, err := Verify(path)
	assert.True(t, errors.Is(err, ErrChainBroken))
	assert.Equal(t, 0, n)
}

func TestVerifyDetectsDeletedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := openAt(t, path, time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))
	for i := 0; i < 3; i++ {
		_, err := l.Append(Entry{RequestType: "GetPortfolio", Decision: DecisionAnswered})
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	require.NoError(t, os.WriteFile(path, []byte(lines[0]+lines[2]), 0o600))

	n, err := Verify(path)
	assert.True(t, errors.Is(err, ErrChainBroken))
	assert.Equal(t, 1, n)
}

func TestAppendAfterCloseFails(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "audit.log"))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	_, err = l.Append(Entry{RequestType: "GetPortfolio", Decision: DecisionAnswered})
	assert.Error(t, err)
}

// flakyFile fails the next write after passing half of it through, or
// the next sync.
type flakyFile struct {
	*os.File
	failWrite bool
	failSync  bool
}

func (f *flakyFile) Write(p []byte) (int, error) {
	if f.failWrite {
		f.failWrite = false
		n, _ := f.File.Write(p[:len(p)/2])
		return n, errors.New("no space left on device")
	}
	return f.File.Write(p)
}

func (f *flakyFile) Sync() error {
	if f.failSync {
		f.failSync = false
		return errors.New("input/output error")
	}
	return f.File.Sync()
}

func TestFailedAppendIsRolledBack(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flaky *flakyFile
	}{
		{"write", &flakyFile{failWrite: true}},
		{"sync", &flakyFile{failSync: true}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "audit.log")
			l := openAt(t, path, time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC))
			_, err := l.Append(Entry{RequestType: "GetPortfolio", Decision: DecisionAnswered})
			require.NoError(t, err)

			tc.flaky.File = l.f.(*os.File)
			l.f = tc.flaky
			_, err = l.Append(Entry{RequestType: "SubmitOrder", Decision: DecisionAccepted})
			require.Error(t, err)
			assert.Equal(t, uint64(1), l.Seq())

			rec, err := l.Append(Entry{RequestType: "GetOpenOrders", Decision: DecisionAnswered})
			require.NoError(t, err)
			assert.Equal(t, uint64(2), rec.Seq)

			n, err := Verify(path)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.NotContains(t, string(data), "SubmitOrder")
		})
	}
}
