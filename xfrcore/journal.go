/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package xfrcore

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	beginPacketMarker = ";;BEGINPACKET"
	endPacketMarker   = ";;ENDPACKET"

	// BackupMagic opens and closes the .xfrd-state file, matching the
	// original ODS_SE_FILE_MAGIC_V3 header/footer convention.
	BackupMagic = "; ODS_SE_FILE_MAGIC_V3"
)

// Journal is the per-zone append-only transfer log, modelled as a framed
// log with explicit transactions per §9 DESIGN NOTES ("SOA recovery after
// partial write ... model the journal as a framed log with explicit
// transactions; a truncate-to-offset operation rolls back a partial
// packet atomically").
type Journal struct {
	path string

	f             *os.File
	packetOpen    bool
	packetStartAt int64 // byte offset where the current ;;BEGINPACKET was written
}

// OpenJournal opens (creating if absent) the journal file at path for
// appending.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("xfrcore: journal: open %s: %w", path, err)
	}
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		f.Close()
		return nil, fmt.Errorf("xfrcore: journal: seek %s: %w", path, err)
	}
	return &Journal{path: path, f: f}, nil
}

// Close closes the underlying file.
func (j *Journal) Close() error { return j.f.Close() }

// Truncate discards all journal content, used on an explicit retransfer
// (§9 scenario 6: "journal file is truncated on first packet").
func (j *Journal) Truncate() error {
	if err := j.f.Truncate(0); err != nil {
		return fmt.Errorf("xfrcore: journal: truncate %s: %w", j.path, err)
	}
	_, err := j.f.Seek(0, os.SEEK_SET)
	j.packetOpen = false
	return err
}

// BeginPacket writes the opening delimiter and remembers its offset so a
// packet still open can be rolled back by AbandonPacket (after a crash
// mid-packet, ReadPackets drops the incomplete trailing packet instead).
func (j *Journal) BeginPacket() error {
	if j.packetOpen {
		return fmt.Errorf("xfrcore: journal: BeginPacket called while a packet is already open")
	}
	off, err := j.f.Seek(0, os.SEEK_CUR)
	if err != nil {
		return err
	}
	j.packetStartAt = off
	if _, err := fmt.Fprintln(j.f, beginPacketMarker); err != nil {
		return fmt.Errorf("xfrcore: journal: write BEGINPACKET: %w", err)
	}
	j.packetOpen = true
	return nil
}

// AppendRR writes one zone master-file format RR line verbatim between
// the current BEGIN/END markers.
func (j *Journal) AppendRR(line string) error {
	if !j.packetOpen {
		return fmt.Errorf("xfrcore: journal: AppendRR called outside an open packet")
	}
	if _, err := fmt.Fprintln(j.f, strings.TrimRight(line, "\n")); err != nil {
		return fmt.Errorf("xfrcore: journal: write RR: %w", err)
	}
	return nil
}

// EndPacket writes the closing delimiter and flushes, completing one
// transaction.
func (j *Journal) EndPacket() error {
	if !j.packetOpen {
		return fmt.Errorf("xfrcore: journal: EndPacket called with no open packet")
	}
	if _, err := fmt.Fprintln(j.f, endPacketMarker); err != nil {
		return fmt.Errorf("xfrcore: journal: write ENDPACKET: %w", err)
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("xfrcore: journal: sync: %w", err)
	}
	j.packetOpen = false
	return nil
}

// AbandonPacket rolls back a partial packet after an I/O error mid-write,
// per §7: "Journal I/O errors on append abort the current transfer and
// free all its resources."
func (j *Journal) AbandonPacket() error {
	if !j.packetOpen {
		return nil
	}
	if err := j.f.Truncate(j.packetStartAt); err != nil {
		return err
	}
	if _, err := j.f.Seek(j.packetStartAt, os.SEEK_SET); err != nil {
		return err
	}
	j.packetOpen = false
	return nil
}

// Packet is one decoded BEGIN/END unit: the raw RR lines in between,
// master-file text, one per line.
type Packet struct {
	Lines []string
}

// ReadPackets parses the whole journal file into complete packets,
// recovering from a trailing incomplete packet (BEGIN without END) by
// truncating the file back to the start of that packet, per §4.7 crash
// recovery / §4.10.
func ReadPackets(path string) ([]Packet, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xfrcore: journal: open %s: %w", path, err)
	}
	defer f.Close()

	var packets []Packet
	var cur *Packet
	var packetStartOffset int64
	var offset int64

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		lineLen := int64(len(line) + 1)
		switch {
		case line == beginPacketMarker:
			if cur != nil {
				return nil, fmt.Errorf("xfrcore: journal: nested BEGINPACKET at offset %d", offset)
			}
			packetStartOffset = offset
			cur = &Packet{}
		case line == endPacketMarker:
			if cur == nil {
				return nil, fmt.Errorf("xfrcore: journal: ENDPACKET without BEGINPACKET at offset %d", offset)
			}
			packets = append(packets, *cur)
			cur = nil
		default:
			if cur != nil {
				cur.Lines = append(cur.Lines, line)
			}
		}
		offset += lineLen
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("xfrcore: journal: scan %s: %w", path, err)
	}

	if cur != nil {
		// Incomplete trailing packet: roll the file back to its start so
		// the inbound engine redrives the transfer cleanly.
		if err := f.Truncate(packetStartOffset); err != nil {
			return nil, fmt.Errorf("xfrcore: journal: truncate incomplete packet: %w", err)
		}
	}
	return packets, nil
}

// State is the persisted subset of a zone's retry/serial bookkeeping,
// written to <zone>.xfrd-state so a daemon restart doesn't force a full
// AXFR (SPEC_FULL.md §C.1, grounded on signer/src/signer/backup.c's
// tagged-line + magic-header convention).
type State struct {
	Zone               string
	Master             string
	SerialDisk         uint32
	SerialDiskAcquired time.Time
	SerialXfr          uint32
	SerialXfrAcquired  time.Time
}

// SaveZoneState writes the backup file atomically (write to a temp file,
// rename over the target) so a crash mid-write never leaves a truncated
// state file.
func SaveZoneState(path string, s *State) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("xfrcore: state: create %s: %w", tmp, err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, BackupMagic)
	fmt.Fprintf(w, ";;Zone: %s\n", s.Zone)
	fmt.Fprintf(w, ";;Master: %s\n", s.Master)
	fmt.Fprintf(w, ";;Serial: %d\n", s.SerialDisk)
	fmt.Fprintf(w, ";;SerialDiskAcquired: %d\n", s.SerialDiskAcquired.Unix())
	fmt.Fprintf(w, ";;SerialXfr: %d\n", s.SerialXfr)
	fmt.Fprintf(w, ";;SerialXfrAcquired: %d\n", s.SerialXfrAcquired.Unix())
	fmt.Fprintln(w, BackupMagic)
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("xfrcore: state: flush %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("xfrcore: state: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("xfrcore: state: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// LoadZoneState reads back a backup file written by SaveZoneState. A
// missing file is not an error: it returns (nil, nil), meaning "no prior
// state, perform a full AXFR."
func LoadZoneState(path string) (*State, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xfrcore: state: open %s: %w", path, err)
	}
	defer f.Close()

	s := &State{}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	magicSeen := 0
	for scanner.Scan() {
		line := scanner.Text()
		lineNo++
		if line == BackupMagic {
			magicSeen++
			continue
		}
		var key, val string
		if !strings.HasPrefix(line, ";;") {
			continue
		}
		rest := strings.TrimPrefix(line, ";;")
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key = strings.TrimSpace(parts[0])
		val = strings.TrimSpace(parts[1])
		switch key {
		case "Zone":
			s.Zone = val
		case "Master":
			s.Master = val
		case "Serial":
			fmt.Sscanf(val, "%d", &s.SerialDisk)
		case "SerialDiskAcquired":
			var unix int64
			fmt.Sscanf(val, "%d", &unix)
			s.SerialDiskAcquired = time.Unix(unix, 0)
		case "SerialXfr":
			fmt.Sscanf(val, "%d", &s.SerialXfr)
		case "SerialXfrAcquired":
			var unix int64
			fmt.Sscanf(val, "%d", &unix)
			s.SerialXfrAcquired = time.Unix(unix, 0)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("xfrcore: state: scan %s: %w", path, err)
	}
	if magicSeen < 2 {
		return nil, fmt.Errorf("xfrcore: state: %s missing opening/closing magic", path)
	}
	return s, nil
}
