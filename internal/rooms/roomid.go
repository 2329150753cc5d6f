package rooms

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
)

const (
	roomIDLetters = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	roomIDDigits  = "23456789"
)

var (
	shortRoomIDPattern  = regexp.MustCompile(`^[A-HJ-NP-Z]{3}-[2-9]{3}$`)
	legacyRoomIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{12}$`)
)

// GenerateRoomID returns a random identifier such as "XYZ-456". The
// alphabet leaves out I, O, 0 and 1.
func GenerateRoomID() (string, error) {
	var builder strings.Builder
	builder.Grow(7)
	for i := 0; i < 3; i++ {
		char, err := randomChar(roomIDLetters)
		if err != nil {
			return "", err
		}
		builder.WriteByte(char)
	}
	builder.WriteByte('-')
	for i := 0; i < 3; i++ {
		char, err := randomChar(roomIDDigits)
		if err != nil {
			return "", err
		}
		builder.WriteByte(char)
	}
	return builder.String(), nil
}

// NormalizeRoomID trims surrounding whitespace and upper-cases short ids.
// Legacy ids keep their case.
func NormalizeRoomID(roomID string) string {
	trimmed := strings.TrimSpace(roomID)
	if upper := strings.ToUpper(trimmed); shortRoomIDPattern.MatchString(upper) {
		return upper
	}
	return trimmed
}

// ValidRoomID accepts the short "ABC-234" form and 12 character legacy ids.
func ValidRoomID(roomID string) bool {
	if roomID == "" {
		return false
	}
	return shortRoomIDPattern.MatchString(strings.ToUpper(roomID)) || legacyRoomIDPattern.MatchString(roomID)
}

func randomChar(alphabet string) (byte, error) {
	index, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, err
	}
	return alphabet[index.Int64()], nil
}
