// Package ids generates and validates the document identifiers docudb
// collections use: MongoDB-style 24-hex object ids and UUIDv4 strings.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/danielxceron/docudb/internal/dberr"
)

// Type selects which identifier format Generate produces.
type Type string

const (
	Mongo Type = "mongo"
	UUID  Type = "uuid"
)

var (
	mongoPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)
	uuidPattern  = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
)

// Generate returns a fresh identifier of the requested type.
func Generate(t Type) (string, error) {
	switch t {
	case UUID:
		return uuid.New().String(), nil
	case Mongo, "":
		buf := make([]byte, 12)
		if _, err := rand.Read(buf); err != nil {
			return "", dberr.Wrap(dberr.CodeInvalidID, "ids.Generate", err)
		}
		return hex.EncodeToString(buf), nil
	default:
		return "", dberr.New(dberr.CodeInvalidID, "ids.Generate", "unknown id type: "+string(t))
	}
}

// IsValid reports whether s is a well-formed 24-hex or UUIDv4 identifier.
func IsValid(s string) bool {
	return IsValidMongoID(s) || IsValidUUID(s)
}

// IsValidMongoID reports whether s matches the 24 lowercase-hex-char format.
func IsValidMongoID(s string) bool {
	return mongoPattern.MatchString(s)
}

// IsValidUUID reports whether s is a UUIDv4 string (version nibble 4,
// variant nibble in {8,9,a,b}), case-insensitively.
func IsValidUUID(s string) bool {
	return uuidPattern.MatchString(strings.ToLower(s))
}
