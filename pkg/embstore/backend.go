package embstore

import (
	"context"
	"iter"
	"strings"
)

// Separator joins key segments in the encoded form. ASCII Unit
// Separator so utterance and speaker ids may contain ':' or '/'.
const Separator byte = 0x1F

// Key is a hierarchical path such as {"emb", "sre18-dev", "utt001"}.
// Segments must not contain Separator.
type Key []string

// String renders the key with ':' for display.
func (k Key) String() string {
	return strings.Join(k, ":")
}

func (k Key) encode() []byte {
	n := 0
	for i, seg := range k {
		if i > 0 {
			n++
		}
		n += len(seg)
	}
	buf := make([]byte, 0, n)
	for i, seg := range k {
		if i > 0 {
			buf = append(buf, Separator)
		}
		buf = append(buf, seg...)
	}
	return buf
}

// prefix returns the encoded key plus a trailing separator, so that
// {"emb","a"} does not match {"emb","ab",...}. Empty keys match all.
func (k Key) prefix() []byte {
	if len(k) == 0 {
		return nil
	}
	return append(k.encode(), Separator)
}

func decodeKey(b []byte) Key {
	return Key(strings.Split(string(b), string(Separator)))
}

// Entry is a key-value pair returned by List and accepted by BatchSet.
type Entry struct {
	Key   Key
	Value []byte
}

// Backend is the raw byte store under a Store. Badger serves
// production; Memory serves tests and small in-process runs.
type Backend interface {
	// Get returns errNotFound when the key is absent.
	Get(ctx context.Context, key Key) ([]byte, error)

	// List iterates entries under prefix in lexicographic key order.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchSet stores all entries atomically.
	BatchSet(ctx context.Context, entries []Entry) error

	// BatchDelete removes all keys atomically. Missing keys are ignored.
	BatchDelete(ctx context.Context, keys []Key) error

	Close() error
}
