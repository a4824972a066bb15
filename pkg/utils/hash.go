package utils

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// EmbeddingKey namespaces a text hash by model so switching models never serves stale vectors.
func EmbeddingKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return model + ":" + hex.EncodeToString(sum[:])
}

// DocumentID derives a stable id from the owner and file name.
func DocumentID(owner, name string) string {
	return HashString(strings.ToLower(owner) + "/" + name)
}
