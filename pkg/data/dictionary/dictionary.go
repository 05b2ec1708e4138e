// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dictionary maps between token symbols and the integer ids used by the models.
//
// Dictionaries are stored as text files with one "symbol count" pair per line, sorted by
// decreasing count. The special symbols are not stored: they always take the first ids.
package dictionary

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gomlx/seqgen/pkg/ml/decode"
	"github.com/gomlx/seqgen/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Special symbols, in id order.
const (
	ReservedSymbol = "<Lua heritage>"
	PadSymbol      = "<pad>"
	EOSSymbol      = "</s>"
	UnkSymbol      = "<unk>"
)

// Ids of the special symbols.
const (
	PadID int32 = 1
	EOSID int32 = 2
	UnkID int32 = 3
)

// NumSpecial is the number of special symbols at the start of every dictionary.
const NumSpecial = 4

// Dictionary of token symbols.
type Dictionary struct {
	symbols []string
	counts  []int
	indices map[string]int32
}

// New returns a dictionary with only the special symbols.
func New() *Dictionary {
	d := &Dictionary{indices: make(map[string]int32)}
	for _, symbol := range []string{ReservedSymbol, PadSymbol, EOSSymbol, UnkSymbol} {
		d.Add(symbol, 1)
	}
	return d
}

// Add the symbol with the given count, or increase its count if it's already present. It returns the symbol id.
func (d *Dictionary) Add(symbol string, count int) int32 {
	if id, found := d.indices[symbol]; found {
		d.counts[id] += count
		return id
	}
	id := int32(len(d.symbols))
	d.symbols = append(d.symbols, symbol)
	d.counts = append(d.counts, count)
	d.indices[symbol] = id
	return id
}

// Len returns the number of symbols, including the special ones.
func (d *Dictionary) Len() int {
	return len(d.symbols)
}

// SpecialTokens returns the ids of the special tokens, as used by the decoder.
func (d *Dictionary) SpecialTokens() decode.SpecialTokens {
	return decode.SpecialTokens{Pad: PadID, EOS: EOSID, Unk: UnkID}
}

// Index returns the id of symbol, or UnkID if it's not in the dictionary.
func (d *Dictionary) Index(symbol string) int32 {
	if id, found := d.indices[symbol]; found {
		return id
	}
	return UnkID
}

// Symbol returns the symbol for id, or UnkSymbol if it's out of range.
func (d *Dictionary) Symbol(id int32) string {
	if id < 0 || int(id) >= len(d.symbols) {
		return UnkSymbol
	}
	return d.symbols[id]
}

// Count returns the count of the symbol with the given id.
func (d *Dictionary) Count(id int32) int {
	if id < 0 || int(id) >= len(d.counts) {
		return 0
	}
	return d.counts[id]
}

// Encode splits line on white spaces and returns the ids of its symbols, optionally terminated by EOSID.
func (d *Dictionary) Encode(line string, appendEOS bool) []int32 {
	fields := strings.Fields(line)
	ids := make([]int32, 0, len(fields)+1)
	for _, field := range fields {
		ids = append(ids, d.Index(field))
	}
	if appendEOS {
		ids = append(ids, EOSID)
	}
	return ids
}

// String converts ids back to a line of text, skipping EOS and padding.
//
// If bpeSymbol is not empty, it is removed from the joined text, which undoes subword splitting
// (e.g. "@@ " for "gen@@ er@@ ation" -> "generation").
func (d *Dictionary) String(ids []int32, bpeSymbol string) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == EOSID || id == PadID {
			continue
		}
		parts = append(parts, d.Symbol(id))
	}
	sentence := strings.Join(parts, " ")
	if bpeSymbol != "" {
		sentence = strings.TrimRight(strings.ReplaceAll(sentence+" ", bpeSymbol, ""), " ")
	}
	return sentence
}

// Load reads a dictionary in the "symbol count" per line format.
func Load(r io.Reader) (*Dictionary, error) {
	d := New()
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		idx := strings.LastIndexByte(line, ' ')
		if idx <= 0 {
			return nil, errors.Errorf("line %d: expected \"<symbol> <count>\", got %q", lineNum, line)
		}
		count, err := strconv.Atoi(line[idx+1:])
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: invalid count in %q", lineNum, line)
		}
		d.Add(strings.TrimSpace(line[:idx]), count)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read dictionary")
	}
	return d, nil
}

// LoadFile reads a dictionary from a file, see fsutil.Open.
func LoadFile(path string) (*Dictionary, error) {
	f, err := fsutil.Open(path)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to open dictionary")
	}
	defer func() { _ = f.Close() }()
	d, err := Load(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "dictionary %q", path)
	}
	return d, nil
}

// Save writes the non-special symbols in the format read by Load.
func (d *Dictionary) Save(w io.Writer) error {
	for id := NumSpecial; id < len(d.symbols); id++ {
		if _, err := fmt.Fprintf(w, "%s %d\n", d.symbols[id], d.counts[id]); err != nil {
			return errors.Wrap(err, "failed to write dictionary")
		}
	}
	return nil
}
