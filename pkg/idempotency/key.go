// Package idempotency deduplicates retried operations via deterministic
// keys and a bounded, TTL-based cache backed by durable storage.
//
// # Keys
//
// A key fingerprints an operation's intent: the operation name plus a
// SHA-256 hash of the normalized request data, formatted
// "<operation>_<hash>". Normalization strips volatile fields (timestamps,
// request identifiers), sorts sequence elements, and relies on canonical
// map-key ordering, so the key is invariant to key and element
// reordering. Two requests that mean the same thing produce the same key
// no matter how their payloads are arranged.
//
// # At-most-once semantics
//
// The in-process cache is a performance optimization only. True
// at-most-once semantics across multiple service instances come from the
// durable store's uniqueness constraint and atomic claim on the key; the
// cache must never be the sole arbiter of correctness in a multi-process
// deployment. See [Store].
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/FlowForge/flowforge-core/pkg/errors"
)

// hashLength is the number of hex characters of the SHA-256 digest kept
// in the key. 16 characters (64 bits) keeps keys readable while making
// accidental collisions implausible at operation-retry scale.
const hashLength = 16

// minHashLength is the shortest hash suffix [ValidateKey] accepts.
// Timestamp-fallback keys carry shorter entropy but still meet this.
const minHashLength = 8

// volatileFields are request-data keys stripped before hashing. These
// change between retries of the same logical operation and must not
// perturb the key.
var volatileFields = map[string]struct{}{
	"timestamp":       {},
	"created_at":      {},
	"updated_at":      {},
	"requested_at":    {},
	"request_id":      {},
	"trace_id":        {},
	"span_id":         {},
	"idempotency_key": {},
}

// GenerateKey builds the deterministic idempotency key for an operation.
// If customKey is non-empty it is hashed in place of the request data,
// letting callers key on a business identity instead of the payload.
//
// If normalization fails (request data that cannot be serialized), a
// timestamp-based fallback key is returned along with an error describing
// the failure. The fallback provides a weaker dedupe guarantee; callers
// must log the returned error rather than discard it.
func GenerateKey(operation string, requestData map[string]any, customKey string) (string, error) {
	if operation == "" {
		return "", errors.New(errors.CodeValidationRequired,
			"idempotency: operation name is required")
	}

	var material []byte
	if customKey != "" {
		material = []byte(customKey)
	} else {
		normalized, err := normalize(requestData)
		if err == nil {
			material, err = json.Marshal(normalized)
		}
		if err != nil {
			// Weaker guarantee: the key depends on the current time, so
			// retries will not deduplicate. Surfaced for logging.
			fallback := fmt.Sprintf("%s_%s", operation,
				hashBytes([]byte(fmt.Sprintf("%s|%d", operation, time.Now().UnixNano()))))
			return fallback, errors.Wrap(err, errors.CodeValidation,
				"idempotency: request normalization failed, using timestamp-based key")
		}
	}

	return fmt.Sprintf("%s_%s", operation, hashBytes(material)), nil
}

// RequestHash returns the full SHA-256 hex digest of the normalized
// request data, stored on the record for diagnostic comparison of
// colliding keys.
func RequestHash(requestData map[string]any) string {
	normalized, err := normalize(requestData)
	if err != nil {
		return ""
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidateKey checks that key matches the "<operation>_<hash>" format:
// a non-empty operation name of word characters, an underscore separator,
// and a lowercase hex hash of at least [minHashLength] characters.
func ValidateKey(key string) error {
	if key == "" {
		return errors.New(errors.CodeValidationRequired,
			"idempotency: key must not be empty")
	}

	// The operation name may itself contain underscores; the hash is
	// everything after the last one.
	sep := strings.LastIndex(key, "_")
	if sep <= 0 {
		return errors.Newf(errors.CodeValidationFormat,
			"idempotency: key %q must have the form <operation>_<hash>", key)
	}

	operation, hash := key[:sep], key[sep+1:]
	for _, r := range operation {
		if !isWordChar(r) {
			return errors.Newf(errors.CodeValidationFormat,
				"idempotency: key %q operation part contains invalid character %q", key, r)
		}
	}

	if len(hash) < minHashLength {
		return errors.Newf(errors.CodeValidationFormat,
			"idempotency: key %q hash part is too short (minimum %d characters)", key, minHashLength)
	}
	for _, r := range hash {
		if !isHexChar(r) {
			return errors.Newf(errors.CodeValidationFormat,
				"idempotency: key %q hash part contains invalid character %q", key, r)
		}
	}

	return nil
}

// hashBytes returns the truncated SHA-256 hex digest used in keys.
func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:hashLength]
}

// normalize produces a canonical form of v: volatile map keys stripped,
// nested values normalized recursively, and sequence elements sorted by
// their serialized form so element order does not perturb the hash.
// Map key order is canonicalized by encoding/json, which sorts keys.
func normalize(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if _, volatile := volatileFields[k]; volatile {
				continue
			}
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		items := make([]any, len(val))
		encoded := make([]string, len(val))
		for i, item := range val {
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			data, err := json.Marshal(n)
			if err != nil {
				return nil, err
			}
			items[i] = n
			encoded[i] = string(data)
		}
		sort.Sort(&byEncoding{items: items, encoded: encoded})
		return items, nil
	case nil, bool, string, float64, int, int64, float32:
		return val, nil
	default:
		// Anything else round-trips through JSON once so later marshaling
		// cannot fail mid-hash, and unsupported types fail here.
		data, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return nil, err
		}
		return normalize(generic)
	}
}

// byEncoding sorts normalized sequence elements by their JSON encoding,
// keeping elements and encodings aligned.
type byEncoding struct {
	items   []any
	encoded []string
}

func (s *byEncoding) Len() int           { return len(s.items) }
func (s *byEncoding) Less(i, j int) bool { return s.encoded[i] < s.encoded[j] }
func (s *byEncoding) Swap(i, j int) {
	s.items[i], s.items[j] = s.items[j], s.items[i]
	s.encoded[i], s.encoded[j] = s.encoded[j], s.encoded[i]
}

func isWordChar(r rune) bool {
	return r == '_' || r == '-' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func isHexChar(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
}
