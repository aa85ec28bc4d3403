package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/recast/internal/convert"
)

func convertCmd() *cli.Command {
	return &cli.Command{
		Name:  "convert",
		Usage: "Convert a T5-v1.1 safetensors checkpoint into a .edc container",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "model",
				Aliases:  []string{"in"},
				Usage:    "Checkpoint directory (config.json + safetensors) or a single .safetensors file",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "output",
				Aliases:  []string{"out"},
				Usage:    "Output .edc path",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "base-config",
				Usage:    "Base YAML config template to specialise for this model",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "model-name",
				Usage: "Model label stored in the container (defaults to the checkpoint directory name)",
			},
			&cli.StringFlag{
				Name:  "state-dict",
				Usage: "Path for the intermediate remapped state dict (defaults next to the output)",
			},
			&cli.IntFlag{
				Name:  "tensor-align",
				Usage: "Alignment (bytes) between tensor payloads in the container. Typical: 64",
				Value: 64,
			},
			&cli.BoolFlag{
				Name:  "keep-state-dict",
				Usage: "Keep the intermediate state dict instead of deleting it after packing",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			modelPath := cmd.String("model")
			outPath := cmd.String("output")

			modelName := cmd.String("model-name")
			if modelName == "" {
				modelName = defaultModelName(modelPath)
			}

			stateDictPath := cmd.String("state-dict")
			ownStateDict := stateDictPath == ""
			if ownStateDict {
				stateDictPath = strings.TrimSuffix(outPath, filepath.Ext(outPath)) + ".state.safetensors"
			}

			err := convert.Run(convert.Options{
				ModelPath:      modelPath,
				ModelName:      modelName,
				StateDictPath:  stateDictPath,
				OutputPath:     outPath,
				BaseConfigPath: cmd.String("base-config"),
				TensorAlign:    int(cmd.Int("tensor-align")),
				Log:            newLogger(cmd),
			})
			if err != nil {
				return fmt.Errorf("convert: %w", err)
			}

			if ownStateDict && !cmd.Bool("keep-state-dict") {
				if rmErr := os.Remove(stateDictPath); rmErr != nil {
					return fmt.Errorf("remove state dict: %w", rmErr)
				}
			}
			_ = ctx
			return nil
		},
	}
}

func defaultModelName(modelPath string) string {
	p := filepath.Clean(modelPath)
	if strings.HasSuffix(p, ".safetensors") {
		p = filepath.Dir(p)
	}
	return filepath.Base(p)
}
