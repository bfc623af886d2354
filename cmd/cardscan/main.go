package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eringen/cardscan"
	"github.com/eringen/cardscan/acquire"
	"github.com/eringen/cardscan/compose"
	"github.com/eringen/cardscan/paperless"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe()
	case "send":
		err = runSend(os.Args[2:])
	case "compose":
		err = runCompose(os.Args[2:])
	case "probe":
		err = runProbe()
	case "inspect":
		err = runInspect(os.Args[2:])
	case "version":
		fmt.Printf("cardscan %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (cardscan.Config, error) {
	cfg, err := cardscan.ConfigFromEnv()
	if err != nil {
		return cfg, err
	}
	if err := cardscan.SetLogLevel(os.Getenv("LOG_LEVEL")); err != nil {
		return cfg, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return cfg, nil
}

func runServe() error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.SessionSecret = cardscan.MustEnv("SESSION_SECRET")

	app := cardscan.New(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- app.Start() }()

	select {
	case err := <-errc:
		app.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return app.Shutdown(shutdownCtx)
}

// loadImages decodes the given files in parallel, keeping argument order.
func loadImages(ctx context.Context, paths []string) ([]acquire.CapturedImage, error) {
	if len(paths) == 0 {
		return nil, errors.New("no image files given")
	}
	images := make([]acquire.CapturedImage, len(paths))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			img, err := acquire.DecodeBytes(data, acquire.SourceFile)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

func runSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	prefix := fs.String("title", "", "document title prefix")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *prefix != "" {
		cfg.TitlePrefix = *prefix
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	images, err := loadImages(ctx, fs.Args())
	if err != nil {
		return err
	}

	res := paperless.Probe(ctx, cfg.Paperless)
	if res.Status == paperless.StatusUnreachable {
		fmt.Fprintln(os.Stderr, res.Diagnostic)
	}
	client := paperless.NewClient(res.Apply(cfg.Paperless), paperless.WithReachability(res.Status))

	sent, err := cardscan.Send(ctx, client, images, cardscan.SendOptions{
		TitlePrefix: cfg.TitlePrefix,
		Usable:      cfg.Usable,
		Now:         time.Now(),
	}, nil)
	if err != nil {
		return errors.New(cardscan.UserMessage(err))
	}
	fmt.Println(cardscan.SuccessMessage)
	fmt.Printf("%s: %d pages, %s, task %s\n", sent.Title, sent.Pages, humanize.Bytes(uint64(sent.Bytes)), sent.TaskID)
	return nil
}

func runCompose(args []string) error {
	fs := flag.NewFlagSet("compose", flag.ExitOnError)
	out := fs.String("out", "cards.pdf", "output file")
	usable := fs.Float64("usable", compose.DefaultUsable, "share of the page an image may fill")
	fs.Parse(args)

	ctx := context.Background()
	images, err := loadImages(ctx, fs.Args())
	if err != nil {
		return err
	}
	doc, err := compose.Compose(ctx, images, compose.Options{
		Usable:    *usable,
		Title:     cardscan.DocumentTitle("", time.Now()),
		CreatedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, doc.PDF, 0o644); err != nil {
		return err
	}
	fmt.Printf("Wrote %s (%d pages, %s)\n", *out, doc.Pages, humanize.Bytes(uint64(len(doc.PDF))))
	return nil
}

func runProbe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	res := paperless.Probe(context.Background(), cfg.Paperless)
	fmt.Printf("%s (%s)\n", res.Status.Label(), res.Status)
	if res.URL != "" {
		fmt.Printf("  %s -> HTTP %d\n", res.URL, res.HTTPStatus)
	}
	fmt.Printf("  upload: %s\n", res.Apply(cfg.Paperless).UploadURL())
	if res.Status == paperless.StatusUnreachable {
		return errors.New(res.Diagnostic)
	}
	return nil
}

func runInspect(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: cardscan inspect <file.pdf>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	n, err := compose.PageCount(data)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d pages, %s\n", args[0], n, humanize.Bytes(uint64(len(data))))
	return nil
}

func printUsage() {
	fmt.Println(`cardscan - A business card scanner for paperless-ngx

Usage:
  cardscan <command> [arguments]

Commands:
  serve                         Run the scanner web app
  send [-title prefix] files    Compose images into one PDF and upload it
  compose [-out file] files     Compose images into a local PDF
  probe                         Check the paperless-ngx server
  inspect <file.pdf>            Validate a PDF and print its page count
  version                       Print the cardscan version
  help                          Show this help message

Environment:
  PAPERLESS_URL, PAPERLESS_TOKEN, PAPERLESS_UPLOAD_PATH, SESSION_SECRET,
  CARDSCAN_ADDR, CARDSCAN_DB, COOKIE_SECURE, CAMERA_URL,
  CARDSCAN_TITLE_PREFIX, CARDSCAN_MARGIN, LOG_LEVEL`)
}
