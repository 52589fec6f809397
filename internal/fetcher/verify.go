package fetcher

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

var hdf5Signature = []byte("\x89HDF\r\n\x1a\n")

var (
	errEmpty       = errors.New("empty file")
	errNoSignature = errors.New("no HDF5 superblock signature")
	errTruncated   = errors.New("truncated HDF5 file")
)

// VerifyHDF5 checks that path holds a complete HDF5 file. The superblock
// signature sits at offset 0 or, when a user block is present, at 512, 1024,
// 2048 and so on. The file must reach the end-of-file address the superblock
// records.
func VerifyHDF5(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if size == 0 {
		return errEmpty
	}

	buf := make([]byte, len(hdf5Signature))
	for off := int64(0); off+int64(len(buf)) <= size; off = nextSuperblockOffset(off) {
		if _, err := f.ReadAt(buf, off); err != nil && err != io.EOF {
			return err
		}
		if bytes.Equal(buf, hdf5Signature) {
			return checkEndOfFile(f, off, size)
		}
	}
	return errNoSignature
}

func nextSuperblockOffset(off int64) int64 {
	if off == 0 {
		return 512
	}
	return off * 2
}

// checkEndOfFile reads the superblock at off and compares size with its
// end-of-file address, which is relative to the base address.
//
// Versions 0 and 1 keep the size of offsets at byte 13 and their addresses
// at 24 and 28; versions 2 and 3 keep it at byte 9 and their addresses at
// 12. In every version the end-of-file address is the third address.
func checkEndOfFile(r io.ReaderAt, off, size int64) error {
	var hdr [16]byte
	if _, err := r.ReadAt(hdr[:], off); err != nil {
		return fmt.Errorf("%w: superblock cut short", errTruncated)
	}

	var (
		width int
		addrs int64
	)
	switch v := hdr[8]; v {
	case 0:
		width, addrs = int(hdr[13]), off+24
	case 1:
		width, addrs = int(hdr[13]), off+28
	case 2, 3:
		width, addrs = int(hdr[9]), off+12
	default:
		return fmt.Errorf("unsupported superblock version %d", v)
	}
	if width != 2 && width != 4 && width != 8 {
		return fmt.Errorf("unsupported superblock offset size %d", width)
	}

	buf := make([]byte, 3*width)
	if _, err := r.ReadAt(buf, addrs); err != nil {
		return fmt.Errorf("%w: superblock cut short", errTruncated)
	}
	base := readAddress(buf[:width])
	end := base + readAddress(buf[2*width:])
	if end < base || end > uint64(size) {
		return fmt.Errorf("%w: %d bytes, superblock ends data at %d", errTruncated, size, end)
	}
	return nil
}

// readAddress decodes a little-endian address of len(b) bytes.
func readAddress(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
