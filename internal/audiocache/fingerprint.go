package audiocache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Key identifies one synthesis request. Two keys with the same fingerprint
// may share audio.
type Key struct {
	Text  string
	Voice string
	Pitch float64
	Rate  float64
}

// NormalizeText collapses runs of whitespace so cosmetic differences in
// prompt templates do not produce distinct artifacts.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Fingerprint returns the hex sha256 of the normalized key fields.
func (k Key) Fingerprint() string {
	var b strings.Builder
	b.WriteString(NormalizeText(k.Text))
	b.WriteByte(0x1f)
	b.WriteString(strings.TrimSpace(k.Voice))
	b.WriteByte(0x1f)
	b.WriteString(strconv.FormatFloat(k.Pitch, 'f', 3, 64))
	b.WriteByte(0x1f)
	b.WriteString(strconv.FormatFloat(k.Rate, 'f', 3, 64))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func validFingerprint(fp string) bool {
	if len(fp) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(fp)
	return err == nil
}
