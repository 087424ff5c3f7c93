package scoring

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Label is the ground truth of a trial when known.
type Label int8

const (
	Unknown Label = iota
	Target
	NonTarget
)

func (l Label) String() string {
	switch l {
	case Unknown:
		return "unknown"
	case Target:
		return "target"
	case NonTarget:
		return "nontarget"
	default:
		return fmt.Sprintf("Label(%d)", int(l))
	}
}

// ParseLabel accepts the usual trial-key spellings.
func ParseLabel(s string) (Label, error) {
	switch strings.ToLower(s) {
	case "target", "tgt", "1", "true":
		return Target, nil
	case "nontarget", "nontgt", "non-target", "imp", "impostor", "0", "false":
		return NonTarget, nil
	case "", "unknown", "-":
		return Unknown, nil
	}
	return Unknown, fmt.Errorf("scoring: unknown trial label %q", s)
}

// Key identifies a trial independent of its position in a list.
type Key struct {
	Enroll string
	Test   string
}

func (k Key) String() string { return k.Enroll + " " + k.Test }

// Trial is one enrollment/test comparison.
type Trial struct {
	Enroll string
	Test   string
	Label  Label
}

// Key returns the trial's identity.
func (t Trial) Key() Key { return Key{Enroll: t.Enroll, Test: t.Test} }

// Score is one trial's score at some stage.
type Score struct {
	Trial Trial
	Index int // position in the source trial list
	Value float64
}

// ReadTrials parses "enroll test [label]" lines. The order of the
// returned slice matches the input.
func ReadTrials(r io.Reader) ([]Trial, error) {
	var out []Trial
	err := eachLine(r, func(n int, f []string) error {
		if len(f) < 2 || len(f) > 3 {
			return fmt.Errorf("scoring: trials line %d: want 2 or 3 fields, got %d", n, len(f))
		}
		t := Trial{Enroll: f[0], Test: f[1]}
		if len(f) == 3 {
			l, err := ParseLabel(f[2])
			if err != nil {
				return fmt.Errorf("scoring: trials line %d: %w", n, err)
			}
			t.Label = l
		}
		out = append(out, t)
		return nil
	})
	return out, err
}

// WriteTrials writes trials back in "enroll test [label]" form.
func WriteTrials(w io.Writer, trials []Trial) error {
	bw := bufio.NewWriter(w)
	for _, t := range trials {
		if t.Label == Unknown {
			fmt.Fprintf(bw, "%s %s\n", t.Enroll, t.Test)
		} else {
			fmt.Fprintf(bw, "%s %s %s\n", t.Enroll, t.Test, t.Label)
		}
	}
	return bw.Flush()
}

// WriteScores writes one "<enroll> <test> <score>" line per score.
// Values use the shortest representation that parses back to the same
// float64.
func WriteScores(w io.Writer, scores []Score) error {
	bw := bufio.NewWriter(w)
	for _, s := range scores {
		bw.WriteString(s.Trial.Enroll)
		bw.WriteByte(' ')
		bw.WriteString(s.Trial.Test)
		bw.WriteByte(' ')
		bw.WriteString(strconv.FormatFloat(s.Value, 'g', -1, 64))
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// ReadScores parses a score file written by WriteScores.
func ReadScores(r io.Reader) ([]Score, error) {
	var out []Score
	err := eachLine(r, func(n int, f []string) error {
		if len(f) != 3 {
			return fmt.Errorf("scoring: scores line %d: want 3 fields, got %d", n, len(f))
		}
		v, err := strconv.ParseFloat(f[2], 64)
		if err != nil {
			return fmt.Errorf("scoring: scores line %d: %w", n, err)
		}
		out = append(out, Score{Trial: Trial{Enroll: f[0], Test: f[1]}, Index: len(out), Value: v})
		return nil
	})
	return out, err
}

// ApplyKey copies labels from key onto scores with matching trials.
// Scores absent from the key keep Unknown.
func ApplyKey(scores []Score, key []Trial) []Score {
	labels := make(map[Key]Label, len(key))
	for _, t := range key {
		labels[t.Key()] = t.Label
	}
	out := make([]Score, len(scores))
	for i, s := range scores {
		s.Trial.Label = labels[s.Trial.Key()]
		out[i] = s
	}
	return out
}

// Split separates labeled scores into target and non-target values.
func Split(scores []Score) (tar, non []float64) {
	for _, s := range scores {
		switch s.Trial.Label {
		case Target:
			tar = append(tar, s.Value)
		case NonTarget:
			non = append(non, s.Value)
		}
	}
	return tar, non
}

func eachLine(r io.Reader, fn func(n int, fields []string) error) error {
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		f := strings.Fields(sc.Text())
		if len(f) == 0 || strings.HasPrefix(f[0], "#") {
			continue
		}
		if err := fn(n, f); err != nil {
			return err
		}
	}
	return sc.Err()
}
