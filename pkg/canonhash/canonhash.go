package canonhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// SumObject hashes the JSON encoding of v. Map keys are encoded sorted, so
// equal maps hash equally regardless of insertion order.
func SumObject(v any) (string, []byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return sum(b), b, nil
}

type snapshot struct {
	Fields map[string]*string `json:"fields"`
	HTML   string             `json:"html"`
}

// SumSnapshot is the audit hash of an issued contract: its field values and
// rendered HTML as captured at issuance or signing.
func SumSnapshot(fields map[string]*string, html string) (string, error) {
	if fields == nil {
		fields = map[string]*string{}
	}
	h, _, err := SumObject(snapshot{Fields: fields, HTML: html})
	return h, err
}

func sum(b []byte) string {
	s := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(s[:])
}
