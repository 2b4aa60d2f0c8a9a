// Package id provides the deterministic identifiers shared by the metadata
// store and the vector store. A document id is the SHA-256 of its content;
// a point id is "docID#chunkIndex" and names both the chunk row and the
// vector. Equality of doc ids implies equality of content.
package id

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// DocIDLen is the length of a document id (SHA-256, lower hex).
const DocIDLen = 64

// PointIDSep separates the doc id from the chunk index in a point id.
const PointIDSep = "#"

// MakeDocID computes the document id for the given content bytes.
func MakeDocID(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// HashContent computes the SHA-256 of a chunk's text, lower hex.
// Used as the chunk content hash, not as an identifier.
func HashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// MakePointID builds "docID#chunkIndex". It rejects malformed doc ids and
// negative indices so a bad id never reaches the stores.
func MakePointID(docID string, chunkIndex int) (string, error) {
	if err := ValidateDocID(docID); err != nil {
		return "", err
	}
	if chunkIndex < 0 {
		return "", fmt.Errorf("invalid chunk index %d: must be >= 0", chunkIndex)
	}
	return docID + PointIDSep + strconv.Itoa(chunkIndex), nil
}

// ParsePointID is the strict inverse of MakePointID.
// It fails on any malformation: wrong separator count, bad doc id,
// empty, signed, or non-canonical index ("01", "+1", "1 ").
func ParsePointID(s string) (docID string, chunkIndex int, err error) {
	sep := strings.Index(s, PointIDSep)
	if sep < 0 {
		return "", 0, fmt.Errorf("invalid point id %q: missing separator", s)
	}
	docID, idxStr := s[:sep], s[sep+1:]
	if err := ValidateDocID(docID); err != nil {
		return "", 0, fmt.Errorf("invalid point id %q: %w", s, err)
	}
	if idxStr == "" || strings.Contains(idxStr, PointIDSep) {
		return "", 0, fmt.Errorf("invalid point id %q: malformed index", s)
	}
	// Reject non-canonical encodings that strconv would accept.
	if idxStr[0] == '+' || idxStr[0] == '-' || (len(idxStr) > 1 && idxStr[0] == '0') {
		return "", 0, fmt.Errorf("invalid point id %q: non-canonical index %q", s, idxStr)
	}
	chunkIndex, convErr := strconv.Atoi(idxStr)
	if convErr != nil {
		return "", 0, fmt.Errorf("invalid point id %q: %w", s, convErr)
	}
	return docID, chunkIndex, nil
}

// ValidateDocID checks that s is a 64-char lower-hex SHA-256 digest.
func ValidateDocID(s string) error {
	if len(s) != DocIDLen {
		return fmt.Errorf("invalid doc id: length %d, want %d", len(s), DocIDLen)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("invalid doc id: non-hex byte %q at %d", c, i)
		}
	}
	return nil
}
