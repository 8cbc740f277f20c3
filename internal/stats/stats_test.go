package stats

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"predictbot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCountersAggregate(t *testing.T) {
	t.Parallel()
	tr, err := Open(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	tr.Record(types.ExecutionEvent{Kind: types.EventTradeExecuted, Strategy: "hourly_arbitrage"})
	tr.Record(types.ExecutionEvent{Kind: types.EventTradeExecuted, Strategy: "hourly_arbitrage"})
	tr.Record(types.ExecutionEvent{Kind: types.EventTradeFailed, Strategy: "lp_making"})
	tr.Record(types.ExecutionEvent{Kind: types.EventOrderPlaced, Strategy: "lp_making"})
	tr.RecordCheck("")
	tr.RecordCheck("per-account cap")
	tr.RecordCheck("per-account cap")

	snap := tr.Get()
	if snap.TradesExecuted != 2 || snap.TradesFailed != 1 || snap.OrdersPlaced != 1 {
		t.Errorf("totals = %+v", snap)
	}
	if snap.Strategies["hourly_arbitrage"].TradesExecuted != 2 {
		t.Errorf("hourly counters = %+v", snap.Strategies["hourly_arbitrage"])
	}
	if snap.ChecksApproved != 1 || snap.ChecksRejected != 2 {
		t.Errorf("checks = %d/%d", snap.ChecksApproved, snap.ChecksRejected)
	}
	if snap.Rejections["per-account cap"] != 2 {
		t.Errorf("rejections = %v", snap.Rejections)
	}
}

func TestCountersRollAcrossReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	tr, err := Open(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	tr.Record(types.ExecutionEvent{Kind: types.EventTradeExecuted, Strategy: "hourly_arbitrage"})
	tr.Flush()

	reopened, err := Open(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	reopened.Record(types.ExecutionEvent{Kind: types.EventTradeExecuted, Strategy: "hourly_arbitrage"})

	if got := reopened.Get().TradesExecuted; got != 2 {
		t.Errorf("trades after reopen = %d, want 2", got)
	}
}

func TestFlushWritesValidJSONAtomically(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	tr, err := Open(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	tr.RecordCheck("thin liquidity")
	tr.Flush()

	path := filepath.Join(dir, "state", "execution-stats.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("stats file not valid JSON: %v", err)
	}
	if snap.Rejections["thin liquidity"] != 1 {
		t.Errorf("persisted = %+v", snap)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestCorruptFileStartsFresh(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "state"), 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "state", "execution-stats.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	tr, err := Open(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got := tr.Get().TradesExecuted; got != 0 {
		t.Errorf("fresh tracker has %d trades", got)
	}
}
