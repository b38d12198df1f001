package cluster

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	sha256 "github.com/minio/sha256-simd"
)

// Address returns the content address of v: the hex SHA-256 of its JSON
// encoding. encoding/json sorts map keys, so equal values hash equally.
func Address(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("cluster: address: %w", err)
	}
	return AddressBytes(b), nil
}

// AddressBytes hashes already serialized data.
func AddressBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
