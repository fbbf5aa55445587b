package IO

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"os"
	"strings"

	"github.com/pkg/errors"
	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model/wordlevel"
	"github.com/sugarme/tokenizer/pretokenizer"
)

// Reserved tokens. Appended after the file tokens, in this order, when the
// vocabulary file does not already list them.
const (
	BosToken = "<bos>"
	EosToken = "<eos>"
	PadToken = "<pad>"
)

var reserved = []string{BosToken, EosToken, PadToken}

var (
	// ErrVocabLoad means the vocabulary file is missing, unreadable or empty.
	ErrVocabLoad = errors.New("cannot load vocabulary")
	// ErrUnknownToken is matched by every *UnknownTokenError.
	ErrUnknownToken = errors.New("unknown token")
)

// UnknownTokenError reports a move that is not in the vocabulary. Position
// is the index of the token within the encoded text.
type UnknownTokenError struct {
	Token    string
	Position int
}

func (e *UnknownTokenError) Error() string {
	return fmt.Sprintf("unknown token %q at position %d", e.Token, e.Position)
}

func (e *UnknownTokenError) Is(target error) bool { return target == ErrUnknownToken }

// Vocabulary is the immutable token <-> id mapping. Ids are contiguous from 0.
type Vocabulary struct {
	TokenToID map[string]int
	IDToToken []string
}

// Tokenizer maps whitespace-separated move text to ids and back. The ids
// are the file-ordered ones; the word-level model never adds its own.
type Tokenizer struct {
	vocab         Vocabulary
	tk            *tk.Tokenizer
	bos, eos, pad int
	fingerprint   uint64
}

// BuildTokenizer reads one token per line. Ids follow file order; blank and
// duplicate lines are skipped (first occurrence wins).
func BuildTokenizer(path string) (*Tokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrVocabLoad, "%s: %v", path, err)
	}
	defer f.Close()

	var tokens []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		tokens = append(tokens, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(ErrVocabLoad, "%s: %v", path, err)
	}
	tok, err := NewTokenizer(tokens)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return tok, nil
}

// NewTokenizer builds a tokenizer from an ordered token list.
func NewTokenizer(tokens []string) (*Tokenizer, error) {
	v := Vocabulary{TokenToID: make(map[string]int, len(tokens)+len(reserved))}
	add := func(t string) {
		if _, ok := v.TokenToID[t]; ok {
			return
		}
		v.TokenToID[t] = len(v.IDToToken)
		v.IDToToken = append(v.IDToToken, t)
	}
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			add(t)
		}
	}
	if len(v.IDToToken) == 0 {
		return nil, errors.Wrap(ErrVocabLoad, "no tokens")
	}
	for _, t := range reserved {
		add(t)
	}

	wlb := wordlevel.NewWordLevelBuilder()
	wlb.Vocab(v.TokenToID)
	words := tk.NewTokenizer(wlb.Build())
	words.WithPreTokenizer(pretokenizer.NewWhitespaceSplit())

	h := fnv.New64a()
	for _, t := range v.IDToToken {
		h.Write([]byte(t))
		h.Write([]byte{'\n'})
	}
	return &Tokenizer{
		vocab:       v,
		tk:          words,
		bos:         v.TokenToID[BosToken],
		eos:         v.TokenToID[EosToken],
		pad:         v.TokenToID[PadToken],
		fingerprint: h.Sum64(),
	}, nil
}

// Encode splits text on whitespace. Every piece must be in the vocabulary;
// there is no unknown-token fallback.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	pieces := strings.Fields(text)
	if len(pieces) == 0 {
		return []int{}, nil
	}
	// the word-level model would only say "missing unk", so find the piece first
	for i, piece := range pieces {
		if _, ok := t.tk.TokenToId(piece); !ok {
			return nil, &UnknownTokenError{Token: piece, Position: i}
		}
	}
	enc, err := t.tk.EncodeSingle(text)
	if err != nil {
		return nil, errors.Wrap(err, "encode")
	}
	return enc.Ids, nil
}

func (t *Tokenizer) Decode(ids []int) (string, error) {
	for i, id := range ids {
		if id < 0 || id >= len(t.vocab.IDToToken) {
			return "", errors.Errorf("token id %d at position %d out of range [0,%d)", id, i, len(t.vocab.IDToToken))
		}
	}
	return t.tk.Decode(ids, false), nil
}

func (t *Tokenizer) VocabSize() int { return len(t.vocab.IDToToken) }
func (t *Tokenizer) BosID() int     { return t.bos }
func (t *Tokenizer) EosID() int     { return t.eos }
func (t *Tokenizer) PadID() int     { return t.pad }

// Token returns the token for id and false when id is out of range.
func (t *Tokenizer) Token(id int) (string, bool) {
	if id < 0 || id >= len(t.vocab.IDToToken) {
		return "", false
	}
	return t.vocab.IDToToken[id], true
}

func (t *Tokenizer) ID(token string) (int, bool) { return t.tk.TokenToId(token) }

// Fingerprint identifies the ordered token list; checkpoints carry it.
func (t *Tokenizer) Fingerprint() uint64 { return t.fingerprint }

// IsReserved reports whether id is <bos>, <eos> or <pad>.
func (t *Tokenizer) IsReserved(id int) bool {
	return id == t.bos || id == t.eos || id == t.pad
}
