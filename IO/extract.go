package IO

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/notnil/chess"
	"github.com/pkg/errors"

	"github.com/Titanium-SS/CheckMate/utils"
)

// turn labels in the Kaggle "35 million games" dump: W1.e4 B1.e5 ...
var turnLabel = regexp.MustCompile(`[WB]\d+\.`)

type ExtractStats struct {
	Games   int
	Skipped int
	Tokens  int // distinct moves
}

// ExtractCorpus turns a raw game dump into one game per line at corpusPath
// and a sorted vocabulary at vocabPath. Files ending in .pgn are parsed as
// PGN; anything else is read as the Kaggle "###" text format.
func ExtractCorpus(inPath, corpusPath, vocabPath string) (ExtractStats, error) {
	in, err := os.Open(inPath)
	if err != nil {
		return ExtractStats{}, errors.Wrap(err, "open raw corpus")
	}
	defer in.Close()

	for _, p := range []string{corpusPath, vocabPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return ExtractStats{}, errors.Wrapf(err, "create dir for %s", p)
		}
	}
	out, err := os.Create(corpusPath)
	if err != nil {
		return ExtractStats{}, errors.Wrap(err, "create corpus")
	}
	defer out.Close()
	w := bufio.NewWriter(out)

	vocab := make(map[string]struct{})
	var stats ExtractStats
	if strings.EqualFold(filepath.Ext(inPath), ".pgn") {
		stats, err = ExtractPGN(in, w, vocab)
	} else {
		stats, err = ExtractKaggle(in, w, vocab)
	}
	if err != nil {
		return stats, err
	}
	if err := w.Flush(); err != nil {
		return stats, errors.Wrap(err, "write corpus")
	}
	if err := WriteVocab(vocabPath, vocab); err != nil {
		return stats, err
	}
	stats.Tokens = len(vocab)
	utils.Infof("extracted %d games (%d skipped), %d distinct moves", stats.Games, stats.Skipped, stats.Tokens)
	return stats, nil
}

// ExtractKaggle keeps the text after "###" on each line and strips the turn
// labels. Lines without "###" or without moves are skipped.
func ExtractKaggle(r io.Reader, w io.Writer, vocab map[string]struct{}) (ExtractStats, error) {
	var stats ExtractStats
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		_, moves, ok := strings.Cut(sc.Text(), "###")
		if !ok {
			stats.Skipped++
			continue
		}
		fields := strings.Fields(turnLabel.ReplaceAllString(moves, ""))
		if len(fields) == 0 {
			stats.Skipped++
			continue
		}
		if err := writeGame(w, fields, vocab); err != nil {
			return stats, err
		}
		stats.Games++
	}
	return stats, errors.Wrap(sc.Err(), "read raw corpus")
}

// ExtractPGN writes the SAN moves of every game in a PGN stream.
func ExtractPGN(r io.Reader, w io.Writer, vocab map[string]struct{}) (ExtractStats, error) {
	var stats ExtractStats
	games, err := chess.GamesFromPGN(r)
	if err != nil {
		return stats, errors.Wrap(err, "parse pgn")
	}
	for _, g := range games {
		moves := g.Moves()
		if len(moves) == 0 {
			stats.Skipped++
			continue
		}
		positions := g.Positions()
		san := make([]string, len(moves))
		for i, m := range moves {
			san[i] = chess.AlgebraicNotation{}.Encode(positions[i], m)
		}
		if err := writeGame(w, san, vocab); err != nil {
			return stats, err
		}
		stats.Games++
	}
	return stats, nil
}

func writeGame(w io.Writer, moves []string, vocab map[string]struct{}) error {
	for _, m := range moves {
		vocab[m] = struct{}{}
	}
	_, err := io.WriteString(w, strings.Join(moves, " ")+"\n")
	return errors.Wrap(err, "write corpus")
}

// WriteVocab writes the tokens sorted, one per line, so that two runs over
// the same corpus produce identical files.
func WriteVocab(path string, vocab map[string]struct{}) error {
	toks := make([]string, 0, len(vocab))
	for t := range vocab {
		toks = append(toks, t)
	}
	sort.Strings(toks)
	var b strings.Builder
	for _, t := range toks {
		b.WriteString(t)
		b.WriteByte('\n')
	}
	return errors.Wrapf(os.WriteFile(path, []byte(b.String()), 0o644), "write vocab %s", path)
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
