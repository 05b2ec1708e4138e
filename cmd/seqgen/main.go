// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// seqgen translates a file of sentences, one per line, with an ensemble of models using beam search.
//
// The translations are written as S-, T-, H-, P- and A- lines (see commandline.FormatTranslation) on the standard output,
// while logs, progress and statistics go to the standard error.
//
// Example:
//
//	seqgen -dict=dict.txt -estimate=bigram.ckpt -refs=train.tgt
//	seqgen -dict=dict.txt -models=bigram.ckpt -input=test.src -refs=test.tgt -set="decode_beam_size=8"
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/gomlx/seqgen/pkg/data/dictionary"
	"github.com/gomlx/seqgen/pkg/ml/decode"
	"github.com/gomlx/seqgen/pkg/ml/models/bigram"
	"github.com/gomlx/seqgen/pkg/support/fsutil"
	"github.com/gomlx/seqgen/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagDict   = flag.String("dict", "", "Dictionary file, with one \"<symbol> <count>\" per line. Required.")
	flagModels = flag.String("models", "", "Comma-separated list of model checkpoints to ensemble.")
	flagInput  = flag.String("input", fsutil.StdStream, "Source sentences, one per line. Use \"-\" for the standard input.")
	flagRefs   = flag.String("refs", "", "Reference target sentences, aligned with -input. "+
		"Required by -prefix_size and -estimate.")

	flagBatchSize      = flag.Int("batch_size", 32, "Number of sentences decoded together.")
	flagNBest          = flag.Int("nbest", 1, "Number of hypotheses to output per sentence.")
	flagPrefixSize     = flag.Int("prefix_size", 0, "Force the first tokens of each hypothesis to be the first tokens of the reference.")
	flagRemoveBPE      = flag.String("remove_bpe", "", "Continuation marker to remove from the output, e.g. \"@@ \".")
	flagPrintAlignment = flag.Bool("print_alignment", false, "Output the source position aligned to each target token.")
	flagQuiet          = flag.Bool("quiet", false, "Only output the hypotheses.")
	flagProgress       = flag.Bool("progress", true, "Display a progress bar on the standard error.")
	flagSummary        = flag.Bool("summary", false, "Display the decoding parameters and the models before decoding.")

	flagEstimate   = flag.String("estimate", "", "If set, estimate a bigram model from -refs and save its checkpoint to the given path.")
	flagSmoothing  = flag.Float64("smoothing", 0.1, "Additive smoothing used by -estimate.")
	flagCopyWeight = flag.Float64("copy_weight", 0.3, "Weight of the copy distribution of models created by -estimate.")
	flagSeed       = flag.Uint64("seed", 0, "Dropout seed of models created by -estimate.")
)

func main() {
	klog.InitFlags(nil)
	params := decode.New().Params()
	settings := commandline.CreateSettingsFlag(params, "")
	flag.Parse()

	if *flagDict == "" {
		klog.Errorf("Missing -dict. See 'seqgen -help'.")
		os.Exit(1)
	}
	paramsSet := must.M1(commandline.ParseSettings(params, *settings))
	klog.V(1).Infof("Parameters set:\n%s", commandline.SprintSettings(params, paramsSet))
	dict := must.M1(dictionary.LoadFile(*flagDict))

	if *flagEstimate != "" {
		must.M(estimate(dict))
		return
	}

	models := must.M1(loadModels(dict, *flagModels))
	decoder := decode.New(models...).FromParams(params)
	if *flagSummary {
		printSummary(params, models)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := translate(ctx, decoder, dict); err != nil {
		klog.Fatalf("Failed to translate: %+v", err)
	}
}

// readCorpus reads one sentence per line and encodes it with dict, terminated by EOS.
func readCorpus(dict *dictionary.Dictionary, filePath string) ([][]int32, error) {
	f, err := fsutil.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var sentences [][]int32
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		sentences = append(sentences, dict.Encode(scanner.Text(), true))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", filePath)
	}
	return sentences, nil
}

// loadModels loads the comma-separated list of checkpoints and checks they match the dictionary.
func loadModels(dict *dictionary.Dictionary, paths string) ([]decode.Model, error) {
	if strings.TrimSpace(paths) == "" {
		return nil, errors.New("no models given, see -models")
	}
	var models []decode.Model
	for _, modelPath := range strings.Split(paths, ",") {
		m, err := bigram.LoadFile(strings.TrimSpace(modelPath))
		if err != nil {
			return nil, err
		}
		if m.VocabSize() != dict.Len() {
			return nil, errors.Errorf("model %q has vocabulary size %d, but dictionary %q has %d symbols",
				modelPath, m.VocabSize(), *flagDict, dict.Len())
		}
		models = append(models, m)
	}
	return models, nil
}

// estimate a bigram model from the references and saves it to -estimate.
func estimate(dict *dictionary.Dictionary) error {
	if *flagRefs == "" {
		return errors.New("-estimate requires -refs")
	}
	targets, err := readCorpus(dict, *flagRefs)
	if err != nil {
		return err
	}
	config := bigram.DefaultConfig(dict.Len(), dict.SpecialTokens())
	config.CopyWeight = *flagCopyWeight
	config.Seed = *flagSeed
	m, err := bigram.Estimate(config, targets, *flagSmoothing)
	if err != nil {
		return err
	}
	if err := m.SaveFile(*flagEstimate); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Estimated bigram model from %d sentences, saved to %q\n", len(targets), *flagEstimate)
	return nil
}

// translate -input and writes the results to the standard output.
func translate(ctx context.Context, decoder *decode.Decoder, dict *dictionary.Dictionary) error {
	sources, err := readCorpus(dict, *flagInput)
	if err != nil {
		return err
	}
	var targets [][]int32
	if *flagRefs != "" {
		targets, err = readCorpus(dict, *flagRefs)
		if err != nil {
			return err
		}
	}
	ds, err := decode.NewSliceDataset(*flagInput, sources, targets, *flagBatchSize, dictionary.PadID)
	if err != nil {
		return err
	}

	var pBar *commandline.ProgressBar
	if *flagProgress {
		pBar = commandline.NewProgressBar(len(sources), func() (string, string) {
			return "Beam size", strconv.Itoa(decoder.BeamSize)
		})
	}
	out := bufio.NewWriter(os.Stdout)
	opts := commandline.FormatOptions{
		NBest:          *flagNBest,
		RemoveBPE:      *flagRemoveBPE,
		Quiet:          *flagQuiet,
		PrintAlignment: *flagPrintAlignment,
	}
	stats, err := decoder.DecodeDataset(ctx, ds, *flagPrefixSize, func(t *decode.Translation) error {
		if pBar != nil {
			pBar.Update(t)
		}
		return commandline.FormatTranslation(out, dict, t, opts)
	})
	if pBar != nil {
		pBar.Done()
	}
	if flushErr := out.Flush(); err == nil && flushErr != nil {
		err = errors.Wrap(flushErr, "failed to write translations")
	}
	if err != nil {
		return err
	}
	return commandline.ReportStats(os.Stderr, ds.Name(), stats)
}
