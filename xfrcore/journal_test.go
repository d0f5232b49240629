package xfrcore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestJournalWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "example.com.xfrd")

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	if err := j.BeginPacket(); err != nil {
		t.Fatalf("BeginPacket: %v", err)
	}
	if err := j.AppendRR("example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 42 3600 300 604800 3600"); err != nil {
		t.Fatalf("AppendRR: %v", err)
	}
	if err := j.AppendRR("www.example.com. 3600 IN A 192.0.2.1"); err != nil {
		t.Fatalf("AppendRR: %v", err)
	}
	if err := j.EndPacket(); err != nil {
		t.Fatalf("EndPacket: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	packets, err := ReadPackets(path)
	if err != nil {
		t.Fatalf("ReadPackets: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	if len(packets[0].Lines) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(packets[0].Lines), packets[0].Lines)
	}
}

func TestJournalRecoversFromIncompletePacket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "example.com.xfrd")

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	if err := j.BeginPacket(); err != nil {
		t.Fatalf("BeginPacket: %v", err)
	}
	if err := j.AppendRR("example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 1 3600 300 604800 3600"); err != nil {
		t.Fatalf("AppendRR: %v", err)
	}
	if err := j.EndPacket(); err != nil {
		t.Fatalf("EndPacket: %v", err)
	}
	// Simulate a crash mid-second-packet: BEGIN with no matching END.
	if err := j.BeginPacket(); err != nil {
		t.Fatalf("BeginPacket (2nd): %v", err)
	}
	if err := j.AppendRR("example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 2 3600 300 604800 3600"); err != nil {
		t.Fatalf("AppendRR (2nd): %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	packets, err := ReadPackets(path)
	if err != nil {
		t.Fatalf("ReadPackets: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("got %d complete packets, want 1 (incomplete 2nd dropped)", len(packets))
	}

	// The file on disk should now be truncated back to just the first
	// complete packet.
	packetsAgain, err := ReadPackets(path)
	if err != nil {
		t.Fatalf("ReadPackets (2nd pass): %v", err)
	}
	if len(packetsAgain) != 1 {
		t.Fatalf("got %d packets on 2nd read, want 1", len(packetsAgain))
	}
}

func TestJournalAbandonPacketRollsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "example.com.xfrd")

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	if err := j.BeginPacket(); err != nil {
		t.Fatalf("BeginPacket: %v", err)
	}
	if err := j.AppendRR("example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 1 3600 300 604800 3600"); err != nil {
		t.Fatalf("AppendRR: %v", err)
	}
	if err := j.AbandonPacket(); err != nil {
		t.Fatalf("AbandonPacket: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("journal size after AbandonPacket = %d, want 0", info.Size())
	}
}

func TestJournalTruncateOnRetransfer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "example.com.xfrd")

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	if err := j.BeginPacket(); err != nil {
		t.Fatalf("BeginPacket: %v", err)
	}
	if err := j.AppendRR("example.com. 3600 IN SOA ns1.example.com. hostmaster.example.com. 1 3600 300 604800 3600"); err != nil {
		t.Fatalf("AppendRR: %v", err)
	}
	if err := j.EndPacket(); err != nil {
		t.Fatalf("EndPacket: %v", err)
	}
	if err := j.Truncate(); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	packets, err := ReadPackets(path)
	if err != nil {
		t.Fatalf("ReadPackets: %v", err)
	}
	if len(packets) != 0 {
		t.Errorf("got %d packets after Truncate, want 0", len(packets))
	}
}

func TestZoneStateSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "example.com.xfrd-state")

	want := &State{
		Zone:               "example.com.",
		Master:             "192.0.2.53",
		SerialDisk:         42,
		SerialDiskAcquired: time.Unix(1700000000, 0),
		SerialXfr:          42,
		SerialXfrAcquired:  time.Unix(1700000010, 0),
	}
	if err := SaveZoneState(path, want); err != nil {
		t.Fatalf("SaveZoneState: %v", err)
	}

	got, err := LoadZoneState(path)
	if err != nil {
		t.Fatalf("LoadZoneState: %v", err)
	}
	if got == nil {
		t.Fatalf("LoadZoneState returned nil")
	}
	if got.Zone != want.Zone || got.Master != want.Master || got.SerialDisk != want.SerialDisk ||
		got.SerialXfr != want.SerialXfr || !got.SerialDiskAcquired.Equal(want.SerialDiskAcquired) ||
		!got.SerialXfrAcquired.Equal(want.SerialXfrAcquired) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestLoadZoneStateMissingFileReturnsNilNoError(t *testing.T) {
	dir := t.TempDir()
	got, err := LoadZoneState(filepath.Join(dir, "nonexistent.xfrd-state"))
	if err != nil {
		t.Fatalf("LoadZoneState: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil for missing file", got)
	}
}
