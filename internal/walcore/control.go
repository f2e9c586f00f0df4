package walcore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/google/uuid"
)

// ControlMagic identifies a valid control file.
const ControlMagic = "TXCOREWC"

// CurrentFormatVersion is bumped whenever the control file layout
// changes incompatibly.
const CurrentFormatVersion uint32 = 1

const controlFileSize = 128

// Control mirrors the pg_control-equivalent anchor: the checkpoint LSN
// recovery starts from, the next XID/page id generators, and a
// generation id minted once by NewControl when a fresh store is
// initialized; later rewrites of the control file keep it.
type Control struct {
	FormatVersion uint32
	PageSize      uint32
	CheckpointLSN LSN
	NextXID       uint64
	NextOID       uint32
	Generation    uuid.UUID
}

// NewControl returns the control block for a freshly initialized store.
func NewControl(pageSize uint32) *Control {
	return &Control{
		FormatVersion: CurrentFormatVersion,
		PageSize:      pageSize,
		CheckpointLSN: 0,
		NextXID:       1,
		NextOID:       1,
		Generation:    uuid.New(),
	}
}

func marshalControl(c *Control) []byte {
	buf := make([]byte, controlFileSize)
	copy(buf[0:8], ControlMagic)
	binary.LittleEndian.PutUint32(buf[8:12], c.FormatVersion)
	binary.LittleEndian.PutUint32(buf[12:16], c.PageSize)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(c.CheckpointLSN))
	binary.LittleEndian.PutUint64(buf[24:32], c.NextXID)
	binary.LittleEndian.PutUint32(buf[32:36], c.NextOID)
	gen, _ := c.Generation.MarshalBinary()
	copy(buf[36:52], gen)
	crc := crc32.Checksum(buf[:52], crcTable)
	binary.LittleEndian.PutUint32(buf[52:56], crc)
	return buf
}

func unmarshalControl(buf []byte) (*Control, error) {
	if len(buf) < controlFileSize {
		return nil, fmt.Errorf("walcore: control file too short: %d bytes", len(buf))
	}
	if string(buf[0:8]) != ControlMagic {
		return nil, fmt.Errorf("walcore: bad control file magic")
	}
	stored := binary.LittleEndian.Uint32(buf[52:56])
	if crc32.Checksum(buf[:52], crcTable) != stored {
		return nil, fmt.Errorf("walcore: control file checksum mismatch")
	}
	c := &Control{
		FormatVersion: binary.LittleEndian.Uint32(buf[8:12]),
		PageSize:      binary.LittleEndian.Uint32(buf[12:16]),
		CheckpointLSN: LSN(binary.LittleEndian.Uint64(buf[16:24])),
		NextXID:       binary.LittleEndian.Uint64(buf[24:32]),
		NextOID:       binary.LittleEndian.Uint32(buf[32:36]),
	}
	_ = c.Generation.UnmarshalBinary(buf[36:52])
	if c.FormatVersion != CurrentFormatVersion {
		return nil, fmt.Errorf("walcore: unsupported control file version %d", c.FormatVersion)
	}
	return c, nil
}

// ReadControl loads the control file at path.
func ReadControl(path string) (*Control, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("walcore: read control file: %w", err)
	}
	return unmarshalControl(buf)
}

// WriteControl durably writes c to path, fsyncing before return so a
// crash immediately after never observes a half-written control file.
func WriteControl(path string, c *Control) error {
	buf := marshalControl(c)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("walcore: open control file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("walcore: write control file: %w", err)
	}
	return f.Sync()
}
