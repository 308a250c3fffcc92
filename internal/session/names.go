package session

import (
	"fmt"
	"strings"
)

// nameSeparator joins an original capability name with the instance id of
// the server that owns it. Tool names may themselves contain the separator,
// so parsing always splits on the last occurrence.
const nameSeparator = "_-_"

// PrefixName builds the client-visible name for a capability item.
func PrefixName(original, instanceID string) string {
	return original + nameSeparator + instanceID
}

// ParseName splits a client-supplied name into the original name and the
// owning instance id.
func ParseName(prefixed string) (original, instanceID string, err error) {
	idx := strings.LastIndex(prefixed, nameSeparator)
	if idx <= 0 || idx+len(nameSeparator) >= len(prefixed) {
		return "", "", fmt.Errorf("name %q carries no server suffix", prefixed)
	}
	return prefixed[:idx], prefixed[idx+len(nameSeparator):], nil
}
