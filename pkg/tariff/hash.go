package tariff

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/tariffpilot/tariffpilot/pkg/types"
)

// Hash returns the MD5 of the document's canonical JSON. The document is
// round-tripped through a generic value so map keys come out sorted and the
// hash is independent of field declaration order.
func Hash(doc *types.TariffDocument) (string, error) {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode tariff: %w", err)
	}
	var generic any
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return "", fmt.Errorf("failed to canonicalize tariff: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("failed to encode canonical tariff: %w", err)
	}
	sum := md5.Sum(canonical)
	return hex.EncodeToString(sum[:]), nil
}
