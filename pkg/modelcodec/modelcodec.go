// Package modelcodec frames serialized backend models. Every artifact
// starts with a fixed header so a scorer can reject a file written by an
// incompatible format before touching the payload:
//
//	[4B magic "SVBK"] [4B format version, big endian]
//	msgpack envelope {kind, id, created, payload}
//
// Payloads are msgpack-encoded model structs. msgpack stores float64
// values as their IEEE-754 bits, so a decode(encode(m)) round trip is
// bit-exact.
package modelcodec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Version is the current serialization format version.
const Version uint32 = 1

var magic = [4]byte{'S', 'V', 'B', 'K'}

// Model kinds.
const (
	KindProjection  = "projection"
	KindPLDA        = "plda"
	KindCalibration = "calibration"

	// KindModelSet names the models a domain scores with.
	KindModelSet = "modelset"
)

// Sentinel errors.
var (
	// ErrVersionMismatch matches every *ModelVersionMismatchError.
	ErrVersionMismatch = errors.New("modelcodec: model version mismatch")

	// ErrCorrupt is returned for data that is not a model artifact.
	ErrCorrupt = errors.New("modelcodec: corrupt model data")
)

// ModelVersionMismatchError reports an artifact whose format version or
// kind is not what the reader expects.
type ModelVersionMismatchError struct {
	WantKind    string
	GotKind     string
	WantVersion uint32
	GotVersion  uint32
}

func (e *ModelVersionMismatchError) Error() string {
	if e.GotVersion != e.WantVersion {
		return fmt.Sprintf("modelcodec: %s model has format version %d, this build reads %d",
			e.WantKind, e.GotVersion, e.WantVersion)
	}
	return fmt.Sprintf("modelcodec: expected %s model, got %s", e.WantKind, e.GotKind)
}

func (e *ModelVersionMismatchError) Is(target error) bool {
	return target == ErrVersionMismatch
}

// Header describes an encoded model.
type Header struct {
	Kind    string    `msgpack:"kind"`
	ID      uuid.UUID `msgpack:"id"`
	Created time.Time `msgpack:"created"`
}

type envelope struct {
	Header  `msgpack:",inline"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// Encode frames v as a model of the given kind. A nil id gets a fresh
// random uuid; pass the model's existing id to keep it stable across
// re-serialization.
func Encode(kind string, id uuid.UUID, v any) ([]byte, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("modelcodec: encode %s payload: %w", kind, err)
	}
	env := envelope{
		Header:  Header{Kind: kind, ID: id, Created: time.Now().UTC()},
		Payload: payload,
	}
	body, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("modelcodec: encode %s envelope: %w", kind, err)
	}

	var buf bytes.Buffer
	buf.Grow(8 + len(body))
	buf.Write(magic[:])
	_ = binary.Write(&buf, binary.BigEndian, Version)
	buf.Write(body)
	return buf.Bytes(), nil
}

// Decode checks the header of data against kind and decodes the payload
// into v.
func Decode(data []byte, kind string, v any) (Header, error) {
	h, payload, err := split(data)
	if err != nil {
		var vm *ModelVersionMismatchError
		if errors.As(err, &vm) {
			vm.WantKind = kind
		}
		return Header{}, err
	}
	if h.version != Version || h.Kind != kind {
		return Header{}, &ModelVersionMismatchError{
			WantKind:    kind,
			GotKind:     h.Kind,
			WantVersion: Version,
			GotVersion:  h.version,
		}
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return Header{}, fmt.Errorf("%w: %s payload: %v", ErrCorrupt, kind, err)
	}
	return h.Header, nil
}

// Peek returns the header of data without decoding its payload.
func Peek(data []byte) (Header, uint32, error) {
	h, _, err := split(data)
	if err != nil {
		return Header{}, 0, err
	}
	return h.Header, h.version, nil
}

type header struct {
	Header
	version uint32
}

func split(data []byte) (header, []byte, error) {
	if len(data) < 8 || !bytes.Equal(data[:4], magic[:]) {
		return header{}, nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != Version {
		// The envelope layout itself may differ; report before decoding.
		return header{version: version}, nil, &ModelVersionMismatchError{
			WantVersion: Version,
			GotVersion:  version,
		}
	}
	var env envelope
	if err := msgpack.Unmarshal(data[8:], &env); err != nil {
		return header{}, nil, fmt.Errorf("%w: envelope: %v", ErrCorrupt, err)
	}
	return header{Header: env.Header, version: version}, env.Payload, nil
}
