package walcore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndReadSegmentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	var lsns []LSN
	var prev LSN
	for i := 0; i < 5; i++ {
		rec := Record{
			PrevLSN: prev,
			XID:     uint64(i + 1),
			Kind:    RecInsert,
			Data:    []byte("row-payload"),
		}
		lsn, err := w.Append(rec)
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		lsns = append(lsns, lsn)
		prev = lsn
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	recs, err := ReadSegment(w.segPath(0))
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("ReadSegment returned %d records, want 5", len(recs))
	}
	for i, rec := range recs {
		if rec.XID != uint64(i+1) {
			t.Fatalf("record %d XID = %d, want %d", i, rec.XID, i+1)
		}
		if string(rec.Data) != "row-payload" {
			t.Fatalf("record %d Data = %q", i, rec.Data)
		}
	}
	for i := 1; i < len(lsns); i++ {
		if lsns[i] <= lsns[i-1] {
			t.Fatalf("LSNs not monotonic: %d then %d", lsns[i-1], lsns[i])
		}
	}
}

func TestAppendRotatesSegmentOnOverflow(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	big := make([]byte, SegmentSize-recHdrSize-16)
	if _, err := w.Append(Record{Kind: RecInsert, Data: big}); err != nil {
		t.Fatalf("Append big record: %v", err)
	}
	if w.curSegNo != 0 {
		t.Fatalf("first record rotated prematurely, curSegNo = %d", w.curSegNo)
	}

	if _, err := w.Append(Record{Kind: RecInsert, Data: []byte("overflow")}); err != nil {
		t.Fatalf("Append overflow record: %v", err)
	}
	if w.curSegNo != 1 {
		t.Fatalf("curSegNo after overflow = %d, want 1", w.curSegNo)
	}

	if _, err := os.Stat(w.segPath(0)); err != nil {
		t.Fatalf("segment 0 missing: %v", err)
	}
	if _, err := os.Stat(w.segPath(1)); err != nil {
		t.Fatalf("segment 1 missing: %v", err)
	}
}

func TestReadSegmentStopsAtCorruptTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := w.Append(Record{XID: uint64(i), Kind: RecInsert, Data: []byte("abc")}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	w.Close()

	path := w.segPath(0)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read segment file: %v", err)
	}
	// Corrupt the last byte to simulate a torn write at crash time.
	raw[len(raw)-1] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("rewrite corrupted segment: %v", err)
	}

	recs, err := ReadSegment(w.segPath(0))
	if err != nil {
		t.Fatalf("ReadSegment on corrupt tail: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("ReadSegment recovered %d records, want 2 (corrupt tail dropped)", len(recs))
	}
}

func TestDecodeRecordRejectsTruncatedHeader(t *testing.T) {
	_, _, err := decodeRecord(make([]byte, 5))
	if err == nil {
		t.Fatal("decodeRecord accepted a 5-byte buffer")
	}
}

func TestTruncateResetsWriterState(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer w.Close()

	if _, err := w.Append(Record{Kind: RecCommit, Data: []byte("x")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Truncate(); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if w.NextLSN() != 0 {
		t.Fatalf("NextLSN after truncate = %d, want 0", w.NextLSN())
	}
	recs, err := ReadSegment(w.segPath(0))
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("ReadSegment after truncate returned %d records, want 0", len(recs))
	}
}

func TestReopenResumesAtTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var last LSN
	for i := 0; i < 3; i++ {
		last, err = w.Append(Record{XID: uint64(i + 1), Kind: RecInsert, Data: []byte("payload")})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	w.Close()

	w2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()
	if w2.NextLSN() <= last {
		t.Fatalf("NextLSN after reopen = %d, want > %d", w2.NextLSN(), last)
	}
	lsn, err := w2.Append(Record{XID: 4, Kind: RecCommit})
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if lsn <= last {
		t.Fatalf("post-reopen LSN %d not past pre-crash tail %d", lsn, last)
	}

	recs, err := ReadSegment(w2.segPath(0))
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("ReadSegment after reopen returned %d records, want 4", len(recs))
	}
}

func TestReopenOverwritesTornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := w.Append(Record{XID: uint64(i + 1), Kind: RecInsert, Data: []byte("ok")}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	w.Close()

	// Simulate a torn write: append garbage past the last record.
	f, err := os.OpenFile(w.segPath(0), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	if _, err := f.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	w2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()
	if _, err := w2.Append(Record{XID: 3, Kind: RecCommit}); err != nil {
		t.Fatalf("Append over torn tail: %v", err)
	}
	recs, err := ReadSegment(w2.segPath(0))
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("ReadSegment = %d records, want 3 (torn bytes overwritten)", len(recs))
	}
}

func TestControlFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control")

	c := NewControl(8192)
	c.CheckpointLSN = 4096
	c.NextXID = 777
	c.NextOID = 12

	if err := WriteControl(path, c); err != nil {
		t.Fatalf("WriteControl: %v", err)
	}
	got, err := ReadControl(path)
	if err != nil {
		t.Fatalf("ReadControl: %v", err)
	}
	if got.PageSize != 8192 || got.CheckpointLSN != 4096 || got.NextXID != 777 || got.NextOID != 12 {
		t.Fatalf("control round trip mismatch: %+v", got)
	}
	if got.Generation != c.Generation {
		t.Fatalf("Generation mismatch: got %s want %s", got.Generation, c.Generation)
	}
}

func TestControlFileDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control")
	if err := WriteControl(path, NewControl(8192)); err != nil {
		t.Fatalf("WriteControl: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read control file: %v", err)
	}
	raw[10] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("rewrite control file: %v", err)
	}

	if _, err := ReadControl(path); err == nil {
		t.Fatal("ReadControl accepted a corrupted control file")
	}
}

func TestControlFileRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control")
	if err := os.WriteFile(path, make([]byte, controlFileSize), 0o644); err != nil {
		t.Fatalf("write zeroed control file: %v", err)
	}
	if _, err := ReadControl(path); err == nil {
		t.Fatal("ReadControl accepted a zeroed control file")
	}
}
