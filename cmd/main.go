package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/visionserve"
	"github.com/knights-analytics/visionserve/config"
	"github.com/knights-analytics/visionserve/server"
	"github.com/knights-analytics/visionserve/util/fileutil"
	"github.com/knights-analytics/visionserve/util/logutil"
)

// classifier is what both commands need from visionserve.Classifier.
type classifier interface {
	server.Predictor
	Destroy() error
}

// newClassifier is replaced in tests.
var newClassifier = func(cfg config.Config) (classifier, error) {
	return visionserve.NewClassifier(cfg)
}

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true}

// configFlags returns fresh flag values for each command.
func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "Path to the YAML configuration file (local or s3://)",
			Aliases: []string{"c"},
			EnvVars: []string{config.EnvPrefix + "CONFIG"},
		},
		&cli.StringFlag{
			Name:  "env-file",
			Usage: "Path to a .env file with VISIONSERVE_ variables. Defaults to ./.env when present",
		},
		&cli.StringFlag{
			Name:    "model",
			Usage:   "Path to the .onnx model or the folder holding it (overrides model.path)",
			Aliases: []string{"m"},
		},
		&cli.StringFlag{
			Name:  "backend",
			Usage: "Inference backend: GO or ORT (overrides model.backend)",
		},
		&cli.StringFlag{
			Name:  "device",
			Usage: "auto, cpu or cuda (overrides model.device)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "trace, debug, info, warn or error (overrides log.level)",
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve POST /predict over HTTP",
		Description: `Loads the model once and serves classification requests until SIGINT or SIGTERM.
					Upload an image as multipart/form-data in the "file" field (server.form_field) to /predict.`,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "address",
				Usage:   "Listen address (overrides server.address)",
				Aliases: []string{"a"},
			},
		}, configFlags()...),
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			c, err := newClassifier(cfg)
			if err != nil {
				return err
			}
			defer func() {
				if destroyErr := c.Destroy(); destroyErr != nil {
					log.Error().Err(destroyErr).Msg("destroying classifier")
				}
			}()

			signalCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return server.New(cfg.Server, c).Run(signalCtx)
		},
	}
}

func predictCommand() *cli.Command {
	return &cli.Command{
		Name:  "predict",
		Usage: "Classify image files and write one JSON line per image",
		Description: `Classifies every .jpg, .jpeg, .png and .gif file under --input (a file or folder, local or s3://).
					If --input is omitted the image is read from stdin.`,
		ArgsUsage: `
					--input: path to an image or a folder of images. If omitted, a single image is read from stdin.
					--output: folder where result-0.jsonl is written. If omitted, the output is sent to stdout.
					`,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "input",
				Usage:   "Path to the input images",
				Aliases: []string{"i"},
			},
			&cli.StringFlag{
				Name:    "output",
				Usage:   "Path to output folder",
				Aliases: []string{"o"},
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Number of images classified concurrently",
				Value: 4,
			},
			&cli.IntFlag{
				Name:  "top-k",
				Usage: "Also output the k most probable classes",
			},
		}, configFlags()...),
		Action: func(ctx *cli.Context) (err error) {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			c, err := newClassifier(cfg)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, c.Destroy())
			}()

			var writer io.Writer = ctx.App.Writer
			if outputPath := ctx.String("output"); outputPath != "" {
				fileWriter, writerErr := fileutil.NewWriter(ctx.Context, fileutil.PathJoinSafe(outputPath, "result-0.jsonl"), 0o644)
				if writerErr != nil {
					return writerErr
				}
				defer func() {
					err = errors.Join(err, fileWriter.Close())
				}()
				writer = fileWriter
			}

			inputChannel := make(chan imageInput, 100)
			outputChannel := make(chan predictOutput, 100)
			var processWg, writeWg sync.WaitGroup
			workers := max(1, ctx.Int("workers"))
			for i := 0; i < workers; i++ {
				processWg.Add(1)
				go processImages(ctx.Context, &processWg, c, ctx.Int("top-k"), inputChannel, outputChannel)
			}
			writeWg.Add(1)
			var writeErr error
			go func() {
				defer writeWg.Done()
				writeErr = writeOutputs(outputChannel, writer)
			}()

			readErr := readInputs(ctx.Context, ctx.String("input"), ctx.App.Reader, inputChannel)
			close(inputChannel)
			processWg.Wait()
			close(outputChannel)
			writeWg.Wait()
			return errors.Join(readErr, writeErr)
		},
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "visionserve",
		Usage:    "Image classification with ONNX models",
		Commands: []*cli.Command{serveCommand(), predictCommand()},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Error().Err(err).Msg("visionserve failed")
		os.Exit(1)
	}
}

// loadConfig applies the command line on top of the file and environment configuration.
func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg, err := config.Load(ctx.String("config"), ctx.String("env-file"))
	if err != nil {
		return cfg, err
	}
	if ctx.IsSet("model") {
		cfg.Model.Path = ctx.String("model")
	}
	if ctx.IsSet("backend") {
		cfg.Model.Backend = strings.ToUpper(ctx.String("backend"))
	}
	if ctx.IsSet("device") {
		cfg.Model.Device = strings.ToLower(ctx.String("device"))
	}
	if ctx.IsSet("log-level") {
		cfg.Log.Level = ctx.String("log-level")
	}
	if ctx.IsSet("address") {
		cfg.Server.Address = ctx.String("address")
	}
	if err = logutil.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

type imageInput struct {
	Path  string
	Bytes []byte
}

type predictOutput struct {
	Input       string                   `json:"input"`
	Class       string                   `json:"class,omitempty"`
	Confidence  *float32                 `json:"confidence,omitempty"`
	Predictions []visionserve.ClassScore `json:"predictions,omitempty"`
	Error       string                   `json:"error,omitempty"`
}

// readInputs sends every image under inputPath, or stdin when inputPath is empty and stdin is not a terminal.
func readInputs(ctx context.Context, inputPath string, stdin io.Reader, inputChannel chan<- imageInput) error {
	if inputPath == "" {
		if f, isFile := stdin.(*os.File); isFile && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			return errors.New("no --input given and nothing to read on stdin")
		}
		b, err := io.ReadAll(stdin)
		if err != nil {
			return err
		}
		inputChannel <- imageInput{Path: "stdin", Bytes: b}
		return nil
	}

	exists, err := fileutil.FileExists(inputPath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("file %s does not exist", inputPath)
	}
	isDir, err := fileutil.IsDir(inputPath)
	if err != nil {
		return err
	}
	if !isDir {
		b, readErr := fileutil.ReadFileBytesContext(ctx, inputPath)
		if readErr != nil {
			return readErr
		}
		inputChannel <- imageInput{Path: inputPath, Bytes: b}
		return nil
	}

	fileWalker := func(_ context.Context, _ string, parent string, info os.FileInfo, reader io.Reader) (toContinue bool, err error) {
		if info.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(info.Name()))] {
			return true, nil
		}
		b, readErr := io.ReadAll(reader)
		if readErr != nil {
			return false, readErr
		}
		inputChannel <- imageInput{Path: fileutil.PathJoinSafe(inputPath, parent, info.Name()), Bytes: b}
		return true, nil
	}
	return fileutil.WalkDir(ctx, inputPath, fileWalker)
}

func processImages(ctx context.Context, wg *sync.WaitGroup, c classifier, topK int, inputChannel <-chan imageInput, outputChannel chan<- predictOutput) {
	defer wg.Done()
	for in := range inputChannel {
		out := predictOutput{Input: in.Path}
		prediction, err := c.PredictTopK(ctx, in.Bytes, topK)
		if err != nil {
			out.Error = err.Error()
		} else {
			out.Class = prediction.Label
			out.Confidence = &prediction.Confidence
			out.Predictions = prediction.TopK
		}
		outputChannel <- out
	}
}

func writeOutputs(outputChannel <-chan predictOutput, writer io.Writer) error {
	var writeErr error
	for out := range outputChannel {
		if writeErr != nil {
			// keep draining so the workers can finish
			continue
		}
		line, err := jsoniter.Marshal(out)
		if err != nil {
			writeErr = err
			continue
		}
		if _, err = writer.Write(append(line, '\n')); err != nil {
			writeErr = err
		}
	}
	return writeErr
}
