// Command tilecut cuts a large image into a tile pyramid served by deepzoomd.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	pb "gopkg.in/cheggaaa/pb.v1"

	"github.com/akhenakh/deepzoom/pyramid"
)

var (
	hf  bool
	cf  string
	in  string
	out string
)

func init() {
	flag.BoolVar(&hf, "h", false, "this help")
	flag.StringVar(&cf, "c", "tilecut.toml", "set config `file`")
	flag.StringVar(&in, "in", "", "source image, overrides input.file")
	flag.StringVar(&out, "out", "", "output directory, .mbtiles file or blob:<bucket url>, overrides output.target")
	flag.Usage = usage
}

func usage() {
	fmt.Fprintf(os.Stderr, `tilecut cuts an image into a deep zoom tile pyramid
Usage: tilecut [-h] [-c filename] [-in image] [-out target]
`)
	flag.PrintDefaults()
}

// initConf reads the config file when it exists. Every key can be overridden by an
// environment variable, TILECUT_OUTPUT_FORMAT for output.format.
func initConf(logger *slog.Logger, cfgFile string) {
	viper.SetConfigType("toml")
	viper.SetConfigFile(cfgFile)
	viper.SetEnvPrefix("tilecut")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	if _, err := os.Stat(cfgFile); err == nil {
		if err := viper.ReadInConfig(); err != nil {
			logger.Warn("failed to read config file", "file", viper.ConfigFileUsed(), "error", err)
		}
	}

	viper.SetDefault("log.level", "INFO")
	viper.SetDefault("output.target", "output")
	viper.SetDefault("output.format", "png")
	viper.SetDefault("output.name", "deepzoom")
	viper.SetDefault("output.quality", 90)
	viper.SetDefault("task.tilesize", 256)
	viper.SetDefault("task.levels", 0)
	viper.SetDefault("task.workers", 4)

	if in != "" {
		viper.Set("input.file", in)
	}
	if out != "" {
		viper.Set("output.target", out)
	}
}

func main() {
	flag.Parse()
	if hf {
		flag.Usage()
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	initConf(logger, cf)
	logger = createLogger(viper.GetString("log.level"))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("tilecut failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	start := time.Now()
	input := viper.GetString("input.file")
	if input == "" {
		return fmt.Errorf("no input image, set input.file or -in")
	}

	f, err := os.Open(input)
	if err != nil {
		return fmt.Errorf("failed to open input image: %w", err)
	}
	img, kind, err := image.Decode(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", input, err)
	}
	logger.Info("image loaded", "file", input, "format", kind, "size", img.Bounds().Size())

	opts := pyramid.Options{
		TileSize:    viper.GetInt("task.tilesize"),
		LevelCount:  viper.GetInt("task.levels"),
		Workers:     viper.GetInt("task.workers"),
		Format:      pyramid.Format(viper.GetString("output.format")),
		JPEGQuality: viper.GetInt("output.quality"),
		Logger:      logger,
	}
	if opts.Format != pyramid.PNG && opts.Format != pyramid.JPEG {
		return fmt.Errorf("unsupported output format %q, use png or jpg", opts.Format)
	}
	layout := pyramid.Plan(img.Bounds(), opts)

	sink, closeSink, err := openSink(ctx, viper.GetString("output.target"), layout, opts.Format)
	if err != nil {
		return err
	}

	bar := pb.New(layout.Tiles).Prefix("Tiles : ")
	bar.Start()
	opts.Progress = func(done, total int) { bar.Increment() }

	layout, err = pyramid.Cut(ctx, img, opts, sink)
	if cerr := closeSink(); err == nil {
		err = cerr
	}
	if err != nil {
		bar.Finish()
		return err
	}
	bar.FinishPrint(fmt.Sprintf("%d tiles in %.3fs", layout.Tiles, time.Since(start).Seconds()))

	// ready to paste into the deepzoomd environment
	fmt.Printf("LEVEL_COUNT=%d\nFULL_WIDTH=%d\nFULL_HEIGHT=%d\nTILE_SIZE=%d\n",
		layout.LevelCount, layout.FullWidth, layout.FullHeight, layout.TileSize)
	return nil
}

func openSink(ctx context.Context, target string, layout pyramid.Layout, format pyramid.Format) (pyramid.Sink, func() error, error) {
	switch {
	case strings.HasSuffix(target, ".mbtiles"):
		w, err := pyramid.NewMBTilesSink(target, viper.GetString("output.name"), layout, format)
		if err != nil {
			return nil, nil, err
		}
		return w, w.Close, nil

	case strings.HasPrefix(target, "blob:"):
		bucketURL, template, _ := strings.Cut(strings.TrimPrefix(target, "blob:"), "#")
		bucket, err := blob.OpenBucket(ctx, bucketURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bucket %s: %w", bucketURL, err)
		}
		return pyramid.BlobSink{Bucket: bucket, Template: template, Format: format}, bucket.Close, nil
	}

	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return pyramid.DirSink{Root: target, Format: format}, func() error { return nil }, nil
}

func createLogger(level string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: programLevel}))
}
