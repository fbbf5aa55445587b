package IO

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/Titanium-SS/CheckMate/utils"
)

// ErrShardMismatch means the shards were encoded with another vocabulary
// or context length than the one importing them.
var ErrShardMismatch = errors.New("shards do not match tokenizer")

// shardMeta is written once per export, after the last shard.
type shardMeta struct {
	VocabFingerprint uint64 `json:"vocab_fingerprint"`
	VocabSize        int    `json:"vocab_size"`
	BosID            int    `json:"bos_id"`
	PadID            int    `json:"pad_id"`
	NPositions       int    `json:"n_positions"`
	Windows          int    `json:"windows"`
	Shards           int    `json:"shards"`
}

func shardPath(prefix string, shard int, ext string) string {
	return fmt.Sprintf("%s-%03d.%s", prefix, shard, ext)
}

func metaPath(prefix string) string { return prefix + ".meta.json" }

// ExportWindowsBinary writes the dataset windows to a binary data file plus an index:
//
//   - .bin = concatenated little-endian int32 ids, trailing <pad> dropped
//   - .idx = int64 (offset, length) per window, offset in bytes into .bin
//   - .meta.json = the tokenizer fingerprint, reserved ids and n_positions
//
// It will split into shards <= maxShardBytes. Returns the number of shards.
func ExportWindowsBinary(ds *Dataset, tok *Tokenizer, outPrefix string, maxShardBytes int64) (int, error) {
	if ds == nil || ds.Len() == 0 {
		return 0, ErrEmptyDataset
	}
	if ds.padID != tok.PadID() {
		return 0, errors.Wrapf(ErrShardMismatch, "dataset pad id %d, tokenizer pad id %d", ds.padID, tok.PadID())
	}
	shard := 0
	var (
		dataF, idxF *os.File
		wData, wIdx *bufio.Writer
		cur         int64
	)

	closeShard := func() error {
		if dataF == nil {
			return nil
		}
		if err := wData.Flush(); err != nil {
			return err
		}
		if err := wIdx.Flush(); err != nil {
			return err
		}
		if err := dataF.Close(); err != nil {
			return err
		}
		return idxF.Close()
	}
	openShard := func() error {
		if err := closeShard(); err != nil {
			return err
		}
		var err error
		if dataF, err = os.Create(shardPath(outPrefix, shard, "bin")); err != nil {
			return err
		}
		if idxF, err = os.Create(shardPath(outPrefix, shard, "idx")); err != nil {
			return err
		}
		wData = bufio.NewWriter(dataF)
		wIdx = bufio.NewWriter(idxF)
		cur = 0
		return nil
	}

	if err := openShard(); err != nil {
		return 0, errors.Wrap(err, "open shard")
	}

	buf4 := make([]byte, 4)
	buf8 := make([]byte, 8)
	for i := 0; i < ds.Len(); i++ {
		ids := ds.At(i)
		n := len(ids)
		for n > 0 && ids[n-1] == ds.padID {
			n--
		}
		ids = ids[:n]

		// write offset + length to idx
		binary.LittleEndian.PutUint64(buf8, uint64(cur))
		if _, err := wIdx.Write(buf8); err != nil {
			return 0, errors.Wrap(err, "write index")
		}
		binary.LittleEndian.PutUint64(buf8, uint64(len(ids)))
		if _, err := wIdx.Write(buf8); err != nil {
			return 0, errors.Wrap(err, "write index")
		}

		for _, id := range ids {
			binary.LittleEndian.PutUint32(buf4, uint32(int32(id)))
			if _, err := wData.Write(buf4); err != nil {
				return 0, errors.Wrap(err, "write data")
			}
		}
		cur += int64(4 * len(ids))

		// rollover if shard too big
		if maxShardBytes > 0 && cur >= maxShardBytes && i < ds.Len()-1 {
			shard++
			if err := openShard(); err != nil {
				return 0, errors.Wrap(err, "open shard")
			}
		}
	}
	if err := closeShard(); err != nil {
		return 0, errors.Wrap(err, "close shard")
	}
	meta, err := json.MarshalIndent(shardMeta{
		VocabFingerprint: tok.Fingerprint(),
		VocabSize:        tok.VocabSize(),
		BosID:            tok.BosID(),
		PadID:            tok.PadID(),
		NPositions:       ds.nPositions,
		Windows:          ds.Len(),
		Shards:           shard + 1,
	}, "", "  ")
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(metaPath(outPrefix), meta, 0o644); err != nil {
		return 0, errors.Wrap(err, "write meta")
	}
	utils.Infof("exported %d windows to %d shard(s) at %s", ds.Len(), shard+1, outPrefix)
	return shard + 1, nil
}

// ImportWindowsBinary reads every shard written under outPrefix and re-pads
// the windows to nPositions. The export must have used the same vocabulary
// and context length, otherwise ErrShardMismatch.
func ImportWindowsBinary(outPrefix string, tok *Tokenizer, nPositions int) (*Dataset, error) {
	if !fileExists(metaPath(outPrefix)) {
		return nil, errors.Wrapf(ErrEmptyDataset, "no shards at %s", outPrefix)
	}
	raw, err := os.ReadFile(metaPath(outPrefix))
	if err != nil {
		return nil, errors.Wrap(err, "read meta")
	}
	var meta shardMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errors.Wrapf(err, "parse %s", metaPath(outPrefix))
	}
	switch {
	case meta.VocabFingerprint != tok.Fingerprint() || meta.VocabSize != tok.VocabSize():
		return nil, errors.Wrapf(ErrShardMismatch, "vocabulary differs (shards: %d tokens, %x; tokenizer: %d tokens, %x)",
			meta.VocabSize, meta.VocabFingerprint, tok.VocabSize(), tok.Fingerprint())
	case meta.BosID != tok.BosID() || meta.PadID != tok.PadID():
		return nil, errors.Wrapf(ErrShardMismatch, "reserved ids differ (bos %d/%d, pad %d/%d)",
			meta.BosID, tok.BosID(), meta.PadID, tok.PadID())
	case meta.NPositions != nPositions:
		return nil, errors.Wrapf(ErrShardMismatch, "n_positions %d, shards were encoded with %d", nPositions, meta.NPositions)
	}

	ds := &Dataset{nPositions: nPositions, padID: tok.PadID()}
	for shard := 0; shard < meta.Shards; shard++ {
		if err := ds.readShard(outPrefix, shard, tok); err != nil {
			return nil, errors.Wrapf(err, "shard %d", shard)
		}
	}
	if ds.Len() != meta.Windows {
		return nil, errors.Errorf("%s: read %d windows, meta lists %d", outPrefix, ds.Len(), meta.Windows)
	}
	if ds.Len() == 0 {
		return nil, errors.Wrap(ErrEmptyDataset, outPrefix)
	}
	return ds, nil
}

func (ds *Dataset) readShard(prefix string, shard int, tok *Tokenizer) error {
	idx, err := os.ReadFile(shardPath(prefix, shard, "idx"))
	if err != nil {
		return err
	}
	if len(idx)%16 != 0 {
		return errors.Errorf("index size %d is not a multiple of 16", len(idx))
	}
	dataF, err := os.Open(shardPath(prefix, shard, "bin"))
	if err != nil {
		return err
	}
	defer dataF.Close()

	for off := 0; off < len(idx); off += 16 {
		start := int64(binary.LittleEndian.Uint64(idx[off:]))
		length := int(binary.LittleEndian.Uint64(idx[off+8:]))
		if length == 0 || length > ds.nPositions {
			return errors.Errorf("window %d has %d ids, want 1..%d", len(ds.windows), length, ds.nPositions)
		}
		raw := make([]byte, 4*length)
		if _, err := dataF.ReadAt(raw, start); err != nil {
			return errors.Wrapf(err, "read window at %d", start)
		}
		w := make([]int, ds.nPositions)
		for i := range w {
			if i >= length {
				w[i] = ds.padID
				continue
			}
			id := int(int32(binary.LittleEndian.Uint32(raw[4*i:])))
			if id < 0 || id >= tok.VocabSize() {
				return errors.Errorf("window %d: id %d out of range [0,%d)", len(ds.windows), id, tok.VocabSize())
			}
			w[i] = id
		}
		if w[0] != tok.BosID() {
			return errors.Errorf("window %d does not start with %s", len(ds.windows), BosToken)
		}
		ds.windows = append(ds.windows, w)
	}
	return nil
}
