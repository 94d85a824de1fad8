// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package hasher computes the two content fingerprints the dedup
// pipeline consults: a cheap 128-bit "fringe" fingerprint over a
// file's edges, and a 128-bit "full" fingerprint over its entire
// content. Both are computed with an unkeyed BLAKE3 hasher, truncated
// to 128 bits — the family is used here purely for its speed and
// streaming API, not for its cryptographic strength: collisions are
// treated as impossible over trusted input, never as an adversarial
// concern.
package hasher

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// FringeSize is the number of bytes read from the start and from the
// end of a file to compute its fringe fingerprint.
const FringeSize = 64 * 1024

// FullChunkSize is the chunk size used when streaming a file's full
// content through the hash function.
const FullChunkSize = 256 * 1024

// Digest is a 128-bit fingerprint, stored big-endian when widened
// from a narrower internal representation (spec: "pad-left with
// zeros").
type Digest [16]byte

// Bytes returns the digest as a byte slice suitable for storage as an
// opaque BLOB.
func (d Digest) Bytes() []byte { return d[:] }

// String returns the hex encoding of the digest.
func (d Digest) String() string { return fmt.Sprintf("%x", d[:]) }

// truncate narrows a BLAKE3 hasher's default 32-byte output to this
// package's 128-bit Digest, taking the leading 16 bytes.
func truncate(sum []byte) Digest {
	var d Digest
	copy(d[:], sum[:16])
	return d
}

// Fringe computes the fringe fingerprint of the file at path, given
// its size as already observed by the caller's stat call. It reads
// the first FringeSize bytes and, if the file is larger than
// FringeSize, the last FringeSize bytes — reading exactly
// min(size, 2*FringeSize) distinct bytes in file order without
// double-counting when the two windows overlap. The file's size is
// folded into the digest last, so that two same-edge files of
// different lengths never collide at this tier.
func Fringe(path string, size int64) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("hasher: opening %s for fringe read: %w", path, err)
	}
	defer file.Close()

	h := blake3.New()

	if size <= 2*FringeSize {
		// The two windows overlap or the whole file fits in one
		// window; read the file once, front to back, in full.
		if _, err := io.Copy(h, file); err != nil {
			return Digest{}, fmt.Errorf("hasher: reading %s for fringe hash: %w", path, err)
		}
	} else {
		head := make([]byte, FringeSize)
		if _, err := io.ReadFull(file, head); err != nil {
			return Digest{}, fmt.Errorf("hasher: reading head of %s: %w", path, err)
		}
		if _, err := h.Write(head); err != nil {
			return Digest{}, fmt.Errorf("hasher: hashing head of %s: %w", path, err)
		}

		if _, err := file.Seek(size-FringeSize, io.SeekStart); err != nil {
			return Digest{}, fmt.Errorf("hasher: seeking to tail of %s: %w", path, err)
		}
		tail := make([]byte, FringeSize)
		if _, err := io.ReadFull(file, tail); err != nil {
			return Digest{}, fmt.Errorf("hasher: reading tail of %s: %w", path, err)
		}
		if _, err := h.Write(tail); err != nil {
			return Digest{}, fmt.Errorf("hasher: hashing tail of %s: %w", path, err)
		}
	}

	var sizeBytes [8]byte
	binary.LittleEndian.PutUint64(sizeBytes[:], uint64(size))
	if _, err := h.Write(sizeBytes[:]); err != nil {
		return Digest{}, fmt.Errorf("hasher: hashing size of %s: %w", path, err)
	}

	return truncate(h.Sum(nil)), nil
}

// FringeHDD computes a fringe fingerprint with a single contiguous
// read from the start of the file, sized to match the total bytes
// Fringe would have read; for files of up to 2*FringeSize its digest
// equals Fringe's. This trades the
// tail-locality win for sequential-access friendliness on spinning
// disks. It intentionally produces digests in a *different* numeric
// space than Fringe for files larger than 2*FringeSize (it never
// reads the tail at all), so a database populated with one reader
// mode must never be queried with the other.
func FringeHDD(path string, size int64) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("hasher: opening %s for sequential fringe read: %w", path, err)
	}
	defer file.Close()

	readLen := size
	if readLen > 2*FringeSize {
		readLen = 2 * FringeSize
	}

	h := blake3.New()
	if _, err := io.CopyN(h, file, readLen); err != nil && err != io.EOF {
		return Digest{}, fmt.Errorf("hasher: sequential fringe read of %s: %w", path, err)
	}

	var sizeBytes [8]byte
	binary.LittleEndian.PutUint64(sizeBytes[:], uint64(size))
	if _, err := h.Write(sizeBytes[:]); err != nil {
		return Digest{}, fmt.Errorf("hasher: hashing size of %s: %w", path, err)
	}

	return truncate(h.Sum(nil)), nil
}

// Full computes the full-content fingerprint of the file at path,
// streaming it through the hash function in FullChunkSize chunks.
// Full reads until EOF and surfaces whatever I/O error the filesystem
// returns verbatim; it never retries. size is the length observed by
// the caller's earlier stat: a file that shrank below it mid-read is
// reported as an error rather than silently fingerprinted short.
func Full(path string, size int64) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("hasher: opening %s for full read: %w", path, err)
	}
	defer file.Close()

	h := blake3.New()
	buf := make([]byte, FullChunkSize)
	var total int64
	for {
		n, err := file.Read(buf)
		if n > 0 {
			total += int64(n)
			if _, werr := h.Write(buf[:n]); werr != nil {
				return Digest{}, fmt.Errorf("hasher: hashing %s: %w", path, werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Digest{}, fmt.Errorf("hasher: reading %s: %w", path, err)
		}
	}

	if total < size {
		return Digest{}, fmt.Errorf("hasher: %s shrank during read: got %d bytes, observed %d", path, total, size)
	}

	return truncate(h.Sum(nil)), nil
}
