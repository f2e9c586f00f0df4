// Package walcore implements the write-ahead log: fixed-size segment
// files of aligned, CRC-guarded records, a monotonic LSN counter, and
// the control-file snapshot that anchors crash recovery.
package walcore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// LSN is a log sequence number: a byte offset from the start of the WAL.
type LSN uint64

const (
	// SegmentSize is the size of one WAL segment file.
	SegmentSize = 16 * 1024 * 1024

	// recHdrSize covers PrevLSN(8) + XactPrevLSN(8) + XID(8) + Kind(1) +
	// DataLen(4) + CRC(4). The payload follows it directly; only the whole
	// frame is zero-padded to an 8-byte boundary. recHdrPadded is the
	// header alone rounded up to 8 bytes (33 -> 40).
	recHdrSize   = 33
	recHdrPadded = 40
)

// RecordKind distinguishes WAL record payload types.
type RecordKind uint8

const (
	RecBegin RecordKind = iota + 1
	RecInsert
	RecUpdate
	RecDelete
	RecCommit
	RecAbort
	RecCheckpoint
)

// Record is the logical content of one WAL record, before segment
// framing is applied.
type Record struct {
	PrevLSN     LSN
	XactPrevLSN LSN
	XID         uint64
	Kind        RecordKind
	Data        []byte
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func align8(n int) int { return (n + 7) &^ 7 }

// encodeRecord produces a CRC-protected record frame, zero-padded so
// every record starts on an 8-byte boundary.
func encodeRecord(rec Record) []byte {
	total := align8(recHdrSize + len(rec.Data))
	buf := make([]byte, total)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(rec.PrevLSN))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(rec.XactPrevLSN))
	binary.LittleEndian.PutUint64(buf[16:24], rec.XID)
	buf[24] = byte(rec.Kind)
	binary.LittleEndian.PutUint32(buf[25:29], uint32(len(rec.Data)))
	copy(buf[recHdrSize:], rec.Data)

	c := crc32.New(crcTable)
	c.Write(buf[:29])
	c.Write(make([]byte, 4))
	c.Write(buf[recHdrSize:])
	binary.LittleEndian.PutUint32(buf[29:33], c.Sum32())
	return buf
}

func decodeRecord(buf []byte) (Record, int, error) {
	if len(buf) < recHdrSize {
		return Record{}, 0, fmt.Errorf("walcore: truncated record header")
	}
	rec := Record{
		PrevLSN:     LSN(binary.LittleEndian.Uint64(buf[0:8])),
		XactPrevLSN: LSN(binary.LittleEndian.Uint64(buf[8:16])),
		XID:         binary.LittleEndian.Uint64(buf[16:24]),
		Kind:        RecordKind(buf[24]),
	}
	dataLen := int(binary.LittleEndian.Uint32(buf[25:29]))
	total := align8(recHdrSize + dataLen)
	if len(buf) < total {
		return Record{}, 0, fmt.Errorf("walcore: truncated record payload")
	}
	rec.Data = append([]byte(nil), buf[recHdrSize:recHdrSize+dataLen]...)

	stored := binary.LittleEndian.Uint32(buf[29:33])
	check := make([]byte, total)
	copy(check, buf[:total])
	binary.LittleEndian.PutUint32(check[29:33], 0)
	if crc32.Checksum(check, crcTable) != stored {
		return Record{}, 0, fmt.Errorf("walcore: record CRC mismatch")
	}
	return rec, total, nil
}

// Writer appends records to a chain of fixed-size segment files under
// dir, assigning each a monotonic LSN.
type Writer struct {
	mu       sync.Mutex
	dir      string
	nextLSN  LSN
	curSeg   *os.File
	curSegNo uint32
	writePos int64
}

// Open opens (or creates) the WAL in dir, resuming at the tail of the
// highest-numbered existing segment: the position just past its last
// well-formed record, so a torn tail from a crash is overwritten by the
// next Append rather than replayed.
func Open(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("walcore: mkdir %s: %w", dir, err)
	}
	w := &Writer{dir: dir}
	segNo, err := w.latestSegment()
	if err != nil {
		return nil, err
	}
	if err := w.openSegment(segNo); err != nil {
		return nil, err
	}
	if err := w.recoverTail(); err != nil {
		return nil, err
	}
	return w, nil
}

// latestSegment returns the highest-numbered segment file present in the
// WAL directory, or 0 when the directory is empty.
func (w *Writer) latestSegment() (uint32, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("walcore: scan %s: %w", w.dir, err)
	}
	var max uint32
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".wal")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(name, 16, 32)
		if err != nil {
			continue
		}
		if uint32(n) > max {
			max = uint32(n)
		}
	}
	return max, nil
}

// recoverTail scans the active segment's records and positions the
// writer just past the last well-formed one.
func (w *Writer) recoverTail() error {
	raw, err := os.ReadFile(w.segPath(w.curSegNo))
	if err != nil {
		return fmt.Errorf("walcore: recover tail: %w", err)
	}
	off := 0
	for off < len(raw) {
		_, n, err := decodeRecord(raw[off:])
		if err != nil {
			break
		}
		off += n
	}
	w.writePos = int64(off)
	w.nextLSN = LSN(uint64(w.curSegNo)*SegmentSize + uint64(off))
	return nil
}

func (w *Writer) segPath(segNo uint32) string {
	return fmt.Sprintf("%s/%016x.wal", w.dir, segNo)
}

func (w *Writer) openSegment(segNo uint32) error {
	f, err := os.OpenFile(w.segPath(segNo), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("walcore: open segment %d: %w", segNo, err)
	}
	if w.curSeg != nil {
		w.curSeg.Close()
	}
	w.curSeg = f
	w.curSegNo = segNo
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("walcore: stat segment: %w", err)
	}
	w.writePos = info.Size()
	return nil
}

// Append writes rec and returns its assigned LSN. A record that would
// overflow the current segment starts a fresh segment instead, so no
// record frame ever spans a segment boundary.
func (w *Writer) Append(rec Record) (LSN, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	raw := encodeRecord(rec)

	if w.writePos+int64(len(raw)) > SegmentSize {
		if err := w.openSegment(w.curSegNo + 1); err != nil {
			return 0, err
		}
	}

	lsn := LSN(uint64(w.curSegNo)*SegmentSize + uint64(w.writePos))
	n, err := w.curSeg.WriteAt(raw, w.writePos)
	if err != nil {
		return 0, fmt.Errorf("walcore: append: %w", err)
	}
	w.writePos += int64(n)
	w.nextLSN = lsn + LSN(n)
	return lsn, nil
}

// Sync fsyncs the active segment.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.curSeg.Sync()
}

// Close closes the active segment file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.curSeg.Close()
}

// NextLSN returns the LSN that will be assigned to the next Append.
func (w *Writer) NextLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextLSN
}

// Truncate empties the active segment and rewinds the write position and
// next LSN to that segment's start. Segments numbered below the active
// one are left on disk.
func (w *Writer) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.curSeg.Truncate(0); err != nil {
		return fmt.Errorf("walcore: truncate: %w", err)
	}
	w.writePos = 0
	w.nextLSN = LSN(uint64(w.curSegNo) * SegmentSize)
	return nil
}

// SegmentPaths lists every existing segment file in ascending segment
// order, the input a recovery pass feeds through ReadSegment.
func (w *Writer) SegmentPaths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var paths []string
	for seg := uint32(0); seg <= w.curSegNo; seg++ {
		p := w.segPath(seg)
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	return paths
}

// ReadSegment reads every well-formed record from one segment file,
// stopping silently at the first truncated or corrupt record (crash
// truncation at the tail is expected, not an error).
func ReadSegment(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	var out []Record
	off := 0
	for off < len(raw) {
		rec, n, err := decodeRecord(raw[off:])
		if err != nil {
			break
		}
		out = append(out, rec)
		off += n
	}
	return out, nil
}
