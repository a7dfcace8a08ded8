package dataset

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// LoadPairs reads QA pairs from a file, dispatching on extension:
// .jsonl (one {"question","answer"} object per line), .json (array of
// objects), or .csv (question,answer columns with header).
func LoadPairs(path string) ([]Pair, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl":
		return loadJSONL(path)
	case ".json":
		return loadJSON(path)
	case ".csv":
		return loadCSV(path)
	default:
		return nil, fmt.Errorf("unsupported dataset format %q", filepath.Ext(path))
	}
}

func loadJSONL(path string) ([]Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pairs []Pair
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var p Pair
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, lineNo, err)
		}
		pairs = append(pairs, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return pairs, nil
}

func loadJSON(path string) ([]Pair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pairs []Pair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pairs, nil
}

func loadCSV(path string) ([]Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}

	qCol, aCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "question":
			qCol = i
		case "answer":
			aCol = i
		}
	}
	if qCol < 0 || aCol < 0 {
		return nil, fmt.Errorf("%s: header must contain question and answer columns", path)
	}

	var pairs []Pair
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, Pair{Question: rec[qCol], Answer: rec[aCol]})
	}
	return pairs, nil
}

// Subset returns the first fraction of pairs, at least one when any
// exist. Used to carve a quick-iteration slice out of a large corpus.
func Subset(pairs []Pair, fraction float64) []Pair {
	if fraction >= 1.0 || len(pairs) == 0 {
		return pairs
	}
	n := int(float64(len(pairs)) * fraction)
	if n < 1 {
		n = 1
	}
	return pairs[:n]
}

// Stats summarizes token-length distribution over built examples.
type Stats struct {
	Count     int
	MeanLen   float64
	StdDevLen float64
	MaxLen    int
	Truncated int // examples that filled the whole window
}

// Summarize reports sequence-length statistics, counting only the
// non-padded prefix of each example.
func Summarize(examples []Example) Stats {
	if len(examples) == 0 {
		return Stats{}
	}

	lengths := make([]float64, len(examples))
	s := Stats{Count: len(examples)}
	for i, ex := range examples {
		n := len(ex.Source)
		for n > 0 && ex.PadMask[n-1] {
			n--
		}
		lengths[i] = float64(n)
		if n > s.MaxLen {
			s.MaxLen = n
		}
		if n == len(ex.Source) {
			s.Truncated++
		}
	}

	s.MeanLen, s.StdDevLen = stat.MeanStdDev(lengths, nil)
	return s
}
