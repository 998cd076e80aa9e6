package commands

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestExportToJSONL(t *testing.T) {
	path := createTestTraceFile(t, sampleTrace())
	out := filepath.Join(t.TempDir(), "trace.jsonl")

	if err := RunExport(path, "jsonl", out); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("failed to open output: %v", err)
	}
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("invalid JSON line %q: %v", sc.Text(), err)
		}
		lines = append(lines, m)
	}
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}
	if got := lines[1]["DriverID"]; got != "hid-generic" {
		t.Errorf("expected DriverID hid-generic, got %v", got)
	}
}

func TestExportToCSV(t *testing.T) {
	path := createTestTraceFile(t, sampleTrace())
	out := filepath.Join(t.TempDir(), "trace.csv")

	if err := RunExport(path, "csv", out); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("failed to open output: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("expected header and 5 rows, got %d", len(rows))
	}
	bind := rows[2]
	if bind[2] != "BINDER" || bind[7] != "Op:bind" || bind[8] != "true" {
		t.Errorf("unexpected bind row: %v", bind)
	}
}

func TestExportUnknownFormat(t *testing.T) {
	path := createTestTraceFile(t, sampleTrace())
	if err := RunExport(path, "xml", filepath.Join(t.TempDir(), "out")); err == nil {
		t.Error("expected error for unknown format")
	}
}
