package models

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

var idNamespace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("imagesearch"))

// GenerateID derives the content-addressed id of an image: the same bytes
// always map to the same id, so the id is the dedup key.
func GenerateID(data []byte) uuid.UUID {
	sum := sha1.Sum(data)
	return IDFromHash(hex.EncodeToString(sum[:]))
}

// IDFromHash derives the id from a hex SHA1 digest of the content.
func IDFromHash(sha1Hex string) uuid.UUID {
	return uuid.NewSHA1(idNamespace, []byte(strings.ToLower(sha1Hex)))
}

// ValidHash reports whether s is a 40 character hex SHA1 digest.
func ValidHash(s string) bool {
	if len(s) != sha1.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
