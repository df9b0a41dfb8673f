package config

import (
	"os"
	"testing"
)

func TestCompletionMessageCommandSpecificTakesPriority(t *testing.T) {
	tables := DefaultTables()
	got := tables.CompletionMessage(6, 0x48, 0x80)
	want := "SOL payload already active on another session"
	if got != want {
		t.Fatalf("CompletionMessage = %q, want %q", got, want)
	}
}

func TestCompletionMessageFallsBackToGenericTable(t *testing.T) {
	tables := DefaultTables()
	// netfn 6, cmd 0x48 (key "6:72") has an entry for 0x80 but not 0xc1, so this must fall
	// through to the generic table instead of reporting unknown.
	got := tables.CompletionMessage(6, 0x48, 0xc1)
	want := "Invalid Command"
	if got != want {
		t.Fatalf("CompletionMessage = %q, want %q", got, want)
	}
}

func TestCompletionMessageUnknownCode(t *testing.T) {
	tables := DefaultTables()
	got := tables.CompletionMessage(0, 0, 0x55)
	if got != "Unknown completion code" {
		t.Fatalf("CompletionMessage = %q, want the unknown-code fallback", got)
	}
}

func TestFormatNetFnCmdMatchesCommandCompletionCodesKeys(t *testing.T) {
	if got := formatNetFnCmd(6, 72); got != "6:72" {
		t.Fatalf("formatNetFnCmd(6, 72) = %q, want %q", got, "6:72")
	}
}

func TestLoadTablesOverlaysOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/tables.yaml"
	contents := []byte("ipmi_completion_codes:\n  85: \"Custom vendor code\"\nconnection:\n  port: 6230\n")
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatalf("failed to write overlay file: %v", err)
	}

	tables, err := LoadTables(path)
	if err != nil {
		t.Fatalf("LoadTables error: %v", err)
	}
	if tables.IPMICompletionCodes[0x55] != "Custom vendor code" {
		t.Fatalf("overlay key missing: %+v", tables.IPMICompletionCodes[0x55])
	}
	if tables.Connection.Port != 6230 {
		t.Fatalf("Connection.Port = %d, want 6230", tables.Connection.Port)
	}
	// Keys the overlay did not mention must keep their built-in default.
	if tables.IPMICompletionCodes[0xc0] != "Node Busy" {
		t.Fatal("overlay merge clobbered an untouched default entry")
	}
	if tables.Connection.DefaultPrivilegeLevel != 0x04 {
		t.Fatalf("DefaultPrivilegeLevel = %#x, want 0x04 (untouched default)", tables.Connection.DefaultPrivilegeLevel)
	}
}
