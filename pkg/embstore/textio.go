package embstore

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// ReadVectors parses one embedding per line: an utterance id followed
// by its components, optionally wrapped in brackets:
//
//	utt001  [ 0.12 -0.4 1.3 ]
//	utt002 0.08 -0.51 1.1
func ReadVectors(r io.Reader) ([]Embedding, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var out []Embedding
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		e := Embedding{ID: fields[0]}
		for _, f := range fields[1:] {
			if f == "[" || f == "]" {
				continue
			}
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("embstore: line %d: %w", line, err)
			}
			e.Vector = append(e.Vector, v)
		}
		if len(e.Vector) == 0 {
			return nil, fmt.Errorf("embstore: line %d: %q has no components", line, e.ID)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("embstore: read vectors: %w", err)
	}
	return out, nil
}

// ReadLabels parses "utt spk" lines into a map.
func ReadLabels(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	err := eachLine(r, func(n int, fields []string) error {
		if len(fields) != 2 {
			return fmt.Errorf("embstore: line %d: want 2 fields, got %d", n, len(fields))
		}
		out[fields[0]] = fields[1]
		return nil
	})
	return out, err
}

// Enrollments maps an enrollment model id to its utterance ids.
type Enrollments map[string][]string

// Utterances returns the utterances enrolled under id. An id with no
// entry is its own single utterance.
func (e Enrollments) Utterances(id string) []string {
	if utts, ok := e[id]; ok && len(utts) > 0 {
		return utts
	}
	return []string{id}
}

// Models returns the model ids in sorted order.
func (e Enrollments) Models() []string {
	ids := make([]string, 0, len(e))
	for id := range e {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReadEnrollments parses "model utt1 utt2 ..." lines.
func ReadEnrollments(r io.Reader) (Enrollments, error) {
	out := make(Enrollments)
	err := eachLine(r, func(n int, fields []string) error {
		if len(fields) < 2 {
			return fmt.Errorf("embstore: line %d: enrollment %q lists no utterances", n, fields[0])
		}
		out[fields[0]] = append(out[fields[0]], fields[1:]...)
		return nil
	})
	return out, err
}

// EnrollmentsFromLabels inverts utterance labels into speaker models.
func EnrollmentsFromLabels(labels map[string]string) Enrollments {
	out := make(Enrollments)
	for utt, spk := range labels {
		out[spk] = append(out[spk], utt)
	}
	for _, utts := range out {
		sort.Strings(utts)
	}
	return out
}

func eachLine(r io.Reader, fn func(n int, fields []string) error) error {
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if err := fn(n, fields); err != nil {
			return err
		}
	}
	return sc.Err()
}
