// Package page addresses file content as fixed-size pages and translates
// byte ranges into per-page accesses.
package page

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
)

// DefaultSize is the default page size, 1 MiB.
const DefaultSize = 1 << 20

// Key identifies one page of one file.
type Key struct {
	FileID string
	Index  int64
}

// String returns "fileID/index".
func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.FileID, k.Index)
}

// FileID returns the identifier the workers use for path: the lowercase hex
// SHA-256 of the full path.
func FileID(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])
}

// KeyOf returns the key of page index of path.
func KeyOf(path string, index int64) Key {
	return Key{FileID: FileID(path), Index: index}
}

// Access is the part of one page touched by a range read.
type Access struct {
	Index  int64
	Offset int64 // offset within the page
	Length int64
}

// Full reports whether a covers the whole page.
func (a Access) Full(pageSize int64) bool {
	return a.Offset == 0 && a.Length == pageSize
}

// FileOffset returns the offset of a's first byte within the file.
func (a Access) FileOffset(pageSize int64) int64 {
	return a.Index*pageSize + a.Offset
}

// Translate returns the page accesses covering [offset, offset+length) in
// page order. The first and last accesses may be partial; all others span a
// whole page. A zero length yields no accesses.
//
// File size is not checked here.
func Translate(offset, length, pageSize int64) ([]Access, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", pageSize)
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset must be non-negative, got %d", offset)
	}
	if length < 0 {
		return nil, fmt.Errorf("length must be non-negative, got %d", length)
	}
	if length > math.MaxInt64-offset {
		return nil, fmt.Errorf("range [%d, +%d) overflows int64", offset, length)
	}
	if length == 0 {
		return []Access{}, nil
	}

	first := offset / pageSize
	last := (offset + length - 1) / pageSize
	accesses := make([]Access, 0, last-first+1)

	pos, end := offset, offset+length
	for idx := first; idx <= last; idx++ {
		pageStart := idx * pageSize
		pageEnd := pageStart + pageSize
		if pageEnd > end {
			pageEnd = end
		}
		accesses = append(accesses, Access{
			Index:  idx,
			Offset: pos - pageStart,
			Length: pageEnd - pos,
		})
		pos = pageEnd
	}

	return accesses, nil
}

// Count returns the number of pages of a file of the given length.
func Count(length, pageSize int64) int64 {
	if length <= 0 || pageSize <= 0 {
		return 0
	}
	return (length + pageSize - 1) / pageSize
}

// Split cuts data into pages of pageSize bytes. The last page may be short.
// The returned slices alias data.
func Split(data []byte, pageSize int64) [][]byte {
	n := Count(int64(len(data)), pageSize)
	pages := make([][]byte, 0, n)
	for i := int64(0); i < n; i++ {
		start := i * pageSize
		end := start + pageSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		pages = append(pages, data[start:end])
	}
	return pages
}
