package window

import (
	"strconv"
	"strings"
)

// Key encodes a namespace/identifier pair as "namespace:identifier".
//
// Namespaces never contain a colon (see ValidNamespace), so the first colon
// always separates the two parts and distinct pairs never share a key even
// when the identifier itself contains colons (IPv6 addresses, for example).
func Key(namespace, identifier string) string {
	return namespace + ":" + identifier
}

// SpikeKey encodes a status code/principal pair as "status:principal". The
// decimal status has no colon, which gives the same uniqueness as Key.
func SpikeKey(status int, principal string) string {
	return strconv.Itoa(status) + ":" + principal
}

// SplitKey is the inverse of Key and SpikeKey.
func SplitKey(key string) (prefix, rest string, ok bool) {
	return strings.Cut(key, ":")
}

func ValidNamespace(ns string) bool {
	return ns != "" && !strings.Contains(ns, ":")
}
