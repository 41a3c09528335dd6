package storeid

import (
	"crypto/rand"

	"github.com/pkg/errors"
)

const nanoidAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"

// NewID generates a 21-character nanoid suitable as a user, novel, or
// chapter id component.
func NewID() (string, error) {
	buf := make([]byte, nanoidLen)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "storeid: generate id")
	}
	out := make([]byte, nanoidLen)
	for i, b := range buf {
		// 64-symbol alphabet, so masking keeps the distribution uniform.
		out[i] = nanoidAlphabet[b&63]
	}
	return string(out), nil
}
