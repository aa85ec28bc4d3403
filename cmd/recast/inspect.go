package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/recast/pkg/edc"
)

func inspectCmd() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Print the structure and metadata of a .edc container",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "input",
				Aliases:  []string{"in"},
				Usage:    "Path to the .edc file",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "tensors",
				Usage: "List every tensor with dtype and shape",
			},
			&cli.BoolFlag{
				Name:  "config",
				Usage: "Print the embedded config YAML",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			f, err := edc.Open(cmd.String("input"))
			if err != nil {
				return fmt.Errorf("inspect: %w", err)
			}
			defer func() { _ = f.Close() }()

			printHeader(f)
			printSections(f)

			if sec := f.Section(edc.SectionModelInfo); sec != nil {
				mi, err := edc.ParseModelInfo(f.SectionData(sec))
				if err != nil {
					return fmt.Errorf("inspect: model info: %w", err)
				}
				printModelInfo(mi)
			}

			if cmd.Bool("config") {
				if sec := f.Section(edc.SectionConfigYAML); sec != nil {
					fmt.Println("config:")
					_, _ = os.Stdout.Write(f.SectionData(sec))
				}
			}

			if cmd.Bool("tensors") {
				if err := printTensors(f); err != nil {
					return fmt.Errorf("inspect: tensors: %w", err)
				}
			}
			_ = ctx
			return nil
		},
	}
}

func printHeader(f *edc.File) {
	h := f.Header
	fmt.Printf("edc v%d.%d  size=%d  sections=%d  flags=%#x\n",
		h.Major, h.Minor, h.FileSize, h.SectionCount, h.Flags)
}

func sectionName(t edc.SectionType) string {
	switch t {
	case edc.SectionModelInfo:
		return "model_info"
	case edc.SectionConfigYAML:
		return "config_yaml"
	case edc.SectionTokenizerModel:
		return "tokenizer_model"
	case edc.SectionTensorIndex:
		return "tensor_index"
	case edc.SectionTensorData:
		return "tensor_data"
	default:
		return fmt.Sprintf("unknown(%#x)", uint32(t))
	}
}

func printSections(f *edc.File) {
	for _, s := range f.Sections {
		fmt.Printf("  %-16s v%d  offset=%-10d size=%d\n",
			sectionName(edc.SectionType(s.Type)), s.Version, s.Offset, s.Size)
	}
}

func printModelInfo(mi *edc.ModelInfo) {
	fmt.Printf("model: %s (source %s)\n", mi.ModelName, mi.SourceModel)
	fmt.Printf("  activation=%s encoder_layers=%d decoder_layers=%d\n",
		mi.Activation, mi.EncoderLayers, mi.DecoderLayers)
	fmt.Printf("  hidden=%d ffn=%d kv_channels=%d heads=%d buckets=%d vocab=%d\n",
		mi.HiddenSize, mi.FFNHiddenSize, mi.KVChannels, mi.HeadCount,
		mi.RelativeAttentionBuckets, mi.VocabSize)

	if len(mi.Extras) == 0 {
		return
	}
	keys := make([]string, 0, len(mi.Extras))
	for k := range mi.Extras {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s=%v\n", k, mi.Extras[k])
	}
}

func printTensors(f *edc.File) error {
	sec := f.Section(edc.SectionTensorIndex)
	if sec == nil {
		return fmt.Errorf("no tensor index section")
	}
	idx, err := edc.ParseTensorIndexSection(f.SectionData(sec))
	if err != nil {
		return err
	}
	for i := 0; i < idx.Count(); i++ {
		name, err := idx.Name(i)
		if err != nil {
			return err
		}
		e, err := idx.Entry(i)
		if err != nil {
			return err
		}
		shape, err := idx.Shape(i)
		if err != nil {
			return err
		}
		fmt.Printf("  %-90s %-5s %v  %d bytes\n", name, e.DType, shape, e.DataSize)
	}
	return nil
}
