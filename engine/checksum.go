package engine

import (
	"hash"
	"hash/crc64"
	"io"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// Checksum returns the CRC64 (ISO) of data.
func Checksum(data []byte) uint64 {
	return crc64.Checksum(data, crcTable)
}

// digest accumulates the CRC64 and length of a byte stream.
type digest struct {
	hash hash.Hash64
	n    int64
}

func newDigest() *digest {
	return &digest{hash: crc64.New(crcTable)}
}

func (d *digest) Write(p []byte) (int, error) {
	d.n += int64(len(p))
	return d.hash.Write(p)
}

// ChecksumWriter computes the checksum of the bytes that reach the wrapped
// writer.
type ChecksumWriter struct {
	w io.Writer
	d *digest
}

// NewChecksumWriter wraps w.
func NewChecksumWriter(w io.Writer) *ChecksumWriter {
	return &ChecksumWriter{w: w, d: newDigest()}
}

func (cw *ChecksumWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	_, _ = cw.d.Write(p[:n])
	return n, err
}

// Checksum returns the checksum of the bytes written so far.
func (cw *ChecksumWriter) Checksum() uint64 { return cw.d.hash.Sum64() }

// BytesWritten returns the number of bytes accepted by the wrapped writer.
func (cw *ChecksumWriter) BytesWritten() int64 { return cw.d.n }

// ChecksumReader computes the checksum of everything read through it.
type ChecksumReader struct {
	io.Reader
	d *digest
}

// NewChecksumReader wraps r.
func NewChecksumReader(r io.Reader) *ChecksumReader {
	d := newDigest()
	return &ChecksumReader{Reader: io.TeeReader(r, d), d: d}
}

// Checksum returns the checksum of the bytes read so far.
func (cr *ChecksumReader) Checksum() uint64 { return cr.d.hash.Sum64() }

// BytesRead returns the number of bytes read so far.
func (cr *ChecksumReader) BytesRead() int64 { return cr.d.n }
