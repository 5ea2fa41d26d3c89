package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rpsota/rpsota/internal/config"
	"github.com/rpsota/rpsota/internal/image"
	"github.com/rpsota/rpsota/internal/journal"
	"github.com/rpsota/rpsota/internal/rps"
	"github.com/rpsota/rpsota/internal/transport"
)

func runInspect(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	chunk := fs.Int("chunk", cfg.Transfer.ChunkSize, "chunk size for the layout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: rpsota inspect [-chunk n] <image>")
	}

	store, err := image.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer store.Close()
	h, err := store.Header()
	if err != nil {
		return err
	}
	return describe(stdout, store, h, *chunk)
}

func describe(w io.Writer, store *image.Store, h rps.Header, chunk int) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "file\t%s (%d bytes)\n", store.Name(), store.Size())
	fmt.Fprintf(tw, "magic\t%#08x\n", h.Magic)
	fmt.Fprintf(tw, "version\t%s\n", h.Version())
	fmt.Fprintf(tw, "image size\t%d\n", h.ImageSize)
	fmt.Fprintf(tw, "flash location\t%#08x\n", h.FlashLocation)
	fmt.Fprintf(tw, "control flags\t%#04x\n", h.ControlFlags)
	fmt.Fprintf(tw, "sha type\t%d\n", h.SHAType)
	fmt.Fprintf(tw, "counter\t%d\n", h.Counter)

	if h.CRC != 0 {
		content := make([]byte, store.Size()-rps.HeaderSize)
		if _, err := io.ReadFull(store, content); err != nil {
			return fmt.Errorf("read content: %w", err)
		}
		state := "ok"
		if got := rps.ContentCRC(content); got != h.CRC {
			state = fmt.Sprintf("MISMATCH (content %#08x)", got)
		}
		fmt.Fprintf(tw, "crc\t%#08x %s\n", h.CRC, state)
	}

	acct, err := rps.NewAccounting(int(h.ImageSize), chunk)
	if err != nil {
		fmt.Fprintf(tw, "layout\t%v\n", err)
	} else {
		fmt.Fprintf(tw, "layout\t%d chunks of %d (header + %d content, last %d bytes)\n",
			acct.TotalChunks, chunk, acct.TotalChunks-1, acct.LastChunkLen)
	}
	if int64(h.ImageSize) != store.Size() {
		fmt.Fprintf(tw, "warning\theader image size differs from file size\n")
	}
	return tw.Flush()
}

func runPack(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("pack", flag.ContinueOnError)
	ver := fs.String("version", "0.0.0.0", "firmware version a.b.c.d")
	flash := fs.Uint("flash", 0, "flash location")
	out := fs.String("o", "", "output image (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *out == "" {
		return errors.New("usage: rpsota pack [-version a.b.c.d] [-flash addr] -o <image> <firmware.bin>")
	}

	if *flash > math.MaxUint32 {
		return fmt.Errorf("flash location %#x does not fit in 32 bits", *flash)
	}
	v, err := rps.ParseVersion(*ver)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	img, err := rps.Pack(rps.Header{FirmwareVersion: v, FlashLocation: uint32(*flash)}, content)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, img, 0644); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: %d bytes, version %s\n", *out, len(img), *ver)
	return nil
}

func runHistory(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	path := fs.String("journal", cfg.Server.Journal, "SQLite journal")
	n := fs.Int("n", 20, "number of sessions to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return errors.New("-journal <file> is required")
	}

	j, err := journal.Open(*path)
	if err != nil {
		return err
	}
	defer j.Close()
	entries, err := j.Recent(ctx, *n)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSESSION\tTRANSPORT\tREMOTE\tCHUNKS\tBYTES\tRESYNCS\tDURATION\tRESULT")
	for _, e := range entries {
		result := "incomplete"
		switch {
		case e.Error != "":
			result = e.Error
		case e.Completed:
			result = "complete"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			e.Started.Format(time.DateTime), e.ID[:min(8, len(e.ID))], e.Transport, e.Remote,
			e.ChunksServed, e.BytesServed, e.Resyncs, e.Duration().Round(time.Millisecond), result)
	}
	return tw.Flush()
}

func runPorts(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	ports, err := transport.SerialPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(stdout, "no serial ports found")
	}
	for _, p := range ports {
		fmt.Fprintln(stdout, p)
	}
	return nil
}

func runConfig(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = stdout.Write(data)
	return err
}
