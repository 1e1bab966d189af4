package paper

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"equitybot-go/internal/execution"
)

func TestJSONLRecorder(t *testing.T) {
	tmp := t.TempDir()
	path := tmp + "/fills.jsonl"

	recorder, err := NewJSONLRecorder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewJSONLRecorder error: %v", err)
	}
	ledger := NewLedger(0)
	fill := execution.Fill{OrderID: "o-1", Symbol: "INFY", Side: execution.Buy, Qty: 10, Price: 1500}
	Tee{recorder, ledger}.Record(fill)
	if err := recorder.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	recorder.Record(fill)

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open recorded file: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		t.Fatalf("expected one line in recorder output")
	}
	var decoded execution.Fill
	if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
		t.Fatalf("json decode: %v", err)
	}
	if decoded.Symbol != fill.Symbol || decoded.Side != fill.Side || decoded.Qty != 10 {
		t.Fatalf("unexpected decoded fill %+v", decoded)
	}
	if scanner.Scan() {
		t.Fatalf("record after close should be dropped")
	}
	if len(ledger.Snapshot()) != 1 {
		t.Fatalf("tee did not reach ledger")
	}
}
