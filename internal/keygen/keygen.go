// Package keygen produces short, human-shareable license identifiers of the
// form PREFIX-XXXX-XXXX-XXXX-XXXX. It does not check uniqueness; callers loop
// until their store accepts the value.
package keygen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	DefaultPrefix     = "POS"
	DefaultSegments   = 4
	DefaultSegmentLen = 4
)

type Generator struct {
	Prefix     string
	Segments   int
	SegmentLen int
}

func New(prefix string, segments, segmentLen int) Generator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if segments <= 0 {
		segments = DefaultSegments
	}
	if segmentLen <= 0 {
		segmentLen = DefaultSegmentLen
	}
	return Generator{Prefix: prefix, Segments: segments, SegmentLen: segmentLen}
}

func Default() Generator {
	return New(DefaultPrefix, DefaultSegments, DefaultSegmentLen)
}

func (g Generator) Generate() (string, error) {
	alphabetLen := big.NewInt(int64(len(Alphabet)))

	parts := make([]string, 0, g.Segments+1)
	parts = append(parts, g.Prefix)
	for i := 0; i < g.Segments; i++ {
		var sb strings.Builder
		for j := 0; j < g.SegmentLen; j++ {
			n, err := rand.Int(rand.Reader, alphabetLen)
			if err != nil {
				return "", fmt.Errorf("failed to read randomness for license key: %w", err)
			}
			sb.WriteByte(Alphabet[n.Int64()])
		}
		parts = append(parts, sb.String())
	}
	return strings.Join(parts, "-"), nil
}

// Valid reports whether key has this generator's shape.
func (g Generator) Valid(key string) bool {
	parts := strings.Split(key, "-")
	if len(parts) != g.Segments+1 || parts[0] != g.Prefix {
		return false
	}
	for _, segment := range parts[1:] {
		if len(segment) != g.SegmentLen {
			return false
		}
		for i := 0; i < len(segment); i++ {
			if strings.IndexByte(Alphabet, segment[i]) < 0 {
				return false
			}
		}
	}
	return true
}
