// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bigram

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/gomlx/seqgen/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Checkpoint layout:
//
//	magic (8 bytes) | header length (uint32 little-endian) | JSON header | transitions (float16 little-endian)
const checkpointMagic = "SQGBGRM1"

// CheckpointVersion is the version written in the header of new checkpoints.
const CheckpointVersion = 1

type checkpointHeader struct {
	Version int    `json:"version"`
	Config  Config `json:"config"`
}

// Save writes the model checkpoint to w. The transitions are stored as float16.
func (m *Model) Save(w io.Writer) error {
	header, err := json.Marshal(checkpointHeader{Version: CheckpointVersion, Config: m.config})
	if err != nil {
		return errors.Wrap(err, "bigram: failed to encode checkpoint header")
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(checkpointMagic); err != nil {
		return errors.Wrap(err, "bigram: failed to write checkpoint")
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(header))); err != nil {
		return errors.Wrap(err, "bigram: failed to write checkpoint")
	}
	if _, err := bw.Write(header); err != nil {
		return errors.Wrap(err, "bigram: failed to write checkpoint")
	}
	values := make([]uint16, len(m.transitions))
	for ii, p := range m.transitions {
		values[ii] = float16.Fromfloat32(float32(p)).Bits()
	}
	if err := binary.Write(bw, binary.LittleEndian, values); err != nil {
		return errors.Wrap(err, "bigram: failed to write checkpoint transitions")
	}
	return errors.Wrap(bw.Flush(), "bigram: failed to write checkpoint")
}

// Load reads a model checkpoint written by Save. The model starts in training mode.
func Load(r io.Reader) (*Model, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(checkpointMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, errors.Wrap(err, "bigram: failed to read checkpoint")
	}
	if string(magic) != checkpointMagic {
		return nil, errors.Errorf("bigram: not a checkpoint, invalid magic %q", magic)
	}
	var headerLen uint32
	if err := binary.Read(br, binary.LittleEndian, &headerLen); err != nil {
		return nil, errors.Wrap(err, "bigram: failed to read checkpoint header length")
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(br, headerBytes); err != nil {
		return nil, errors.Wrap(err, "bigram: failed to read checkpoint header")
	}
	var header checkpointHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, errors.Wrap(err, "bigram: failed to parse checkpoint header")
	}
	if header.Version != CheckpointVersion {
		return nil, errors.Errorf("bigram: unsupported checkpoint version %d, expected %d", header.Version, CheckpointVersion)
	}
	if err := header.Config.validate(); err != nil {
		return nil, errors.WithMessage(err, "bigram: invalid checkpoint configuration")
	}
	values := make([]uint16, header.Config.VocabSize*header.Config.VocabSize)
	if err := binary.Read(br, binary.LittleEndian, values); err != nil {
		return nil, errors.Wrap(err, "bigram: failed to read checkpoint transitions")
	}
	transitions := make([]float64, len(values))
	for ii, bits := range values {
		transitions[ii] = float64(float16.Frombits(bits).Float32())
	}
	// Rows are renormalized by New, which absorbs the float16 rounding.
	return New(header.Config, transitions)
}

// SaveFile writes the model checkpoint to filePath, see fsutil.Create.
func (m *Model) SaveFile(filePath string) error {
	f, err := fsutil.Create(filePath)
	if err != nil {
		return err
	}
	if err := m.Save(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "bigram: failed to close checkpoint %q", filePath)
	}
	klog.V(1).Infof("bigram: saved checkpoint to %q", filePath)
	return nil
}

// LoadFile reads a model checkpoint from filePath, see fsutil.Open.
func LoadFile(filePath string) (*Model, error) {
	f, err := fsutil.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	m, err := Load(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", filePath)
	}
	klog.V(1).Infof("bigram: loaded checkpoint %q (vocabulary size %d)", filePath, m.config.VocabSize)
	return m, nil
}
