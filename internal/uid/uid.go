// Package uid mints the random identifiers Driftdesk hands out: upload
// session ids, which become the file id on completion, and the temporary
// object names the blob stores write under.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns a 32-character lowercase hex id with 128 bits of entropy.
// The session registry treats a collision as an internal error, so the id
// space must stay wide enough that one never occurs in practice.
func New() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms; a timestamp
		// id keeps the server running if it somehow does.
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
