package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tcfw/w3s/internal/config"
	"github.com/tcfw/w3s/internal/storage"
	"github.com/tcfw/w3s/pkg/car"
	"github.com/tcfw/w3s/pkg/chunker"
	"github.com/tcfw/w3s/pkg/dag"
	storageIface "github.com/tcfw/w3s/pkg/storage"
)

var (
	packCmd = &cobra.Command{
		Use:   "pack <file>",
		Short: "Build a CAR for a file locally without uploading it",
		Args:  cobra.ExactArgs(1),
		RunE:  runPack,
	}
)

func init() {
	packCmd.Flags().StringP("out", "o", "", "CAR file to write. Split parts are suffixed .N.car")
	packCmd.Flags().String("max-size", "", "split into CARs no larger than this, e.g. 100MiB")
	packCmd.MarkFlagRequired("out")
}

type packResult struct {
	Root    string   `json:"root" yaml:"root"`
	Size    uint64   `json:"size" yaml:"size"`
	DagSize uint64   `json:"dagSize" yaml:"dagSize"`
	Blocks  int      `json:"blocks" yaml:"blocks"`
	Files   []string `json:"files" yaml:"files"`
}

func (r *packResult) text(w io.Writer) error {
	fmt.Fprintf(w, "%s\t%s\t%d blocks\n", r.Root, humanize.IBytes(r.Size), r.Blocks)
	for _, f := range r.Files {
		fmt.Fprintln(w, f)
	}
	return nil
}

func runPack(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	cfg, err := config.GetConfig()
	if err != nil {
		return errors.Wrap(err, "loading config")
	}

	out, _ := cmd.Flags().GetString("out")

	var maxSize int64
	if s, _ := cmd.Flags().GetString("max-size"); s != "" {
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return errors.Wrap(err, "parsing max-size")
		}
		maxSize = int64(n)
	}

	f, size, err := openInput(args[0])
	if err != nil {
		return errors.Wrap(err, "opening input")
	}
	defer f.Close()

	res, err := pack(ctx, cfg.Client(), f, size, out, maxSize)
	if err != nil {
		return err
	}

	return printRecord(os.Stdout, cfg.Output(), res, res.text)
}

func pack(ctx context.Context, cfg *config.Client, r io.Reader, size int64, out string, maxSize int64) (*packResult, error) {
	store, err := openStore(cfg, size)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	ch, err := chunker.New(r, cfg.Upload.ChunkSize)
	if err != nil {
		return nil, err
	}

	root, err := dag.Build(ctx, store, ch, cfg.DagOptions()...)
	if err != nil {
		return nil, err
	}

	res := &packResult{
		Root:    cfg.FormatCID(root.Cid),
		Size:    root.Size,
		DagSize: root.DagSize,
		Blocks:  store.Len(),
	}
	roots := []cid.Cid{root.Cid}

	if maxSize <= 0 {
		if err := writeFile(out, func(w io.Writer) error {
			_, err := car.Encode(ctx, w, roots, store)
			return err
		}); err != nil {
			return nil, err
		}
		res.Files = []string{out}
		return res, nil
	}

	parts, err := car.Split(ctx, roots, store, maxSize)
	if err != nil {
		return nil, err
	}

	for _, p := range parts {
		name := out
		if len(parts) > 1 {
			name = fmt.Sprintf("%s.%d.car", strings.TrimSuffix(out, ".car"), p.Index)
		}

		if err := writeFile(name, func(w io.Writer) error {
			_, err := car.EncodePart(ctx, w, roots, store, p)
			return err
		}); err != nil {
			return nil, err
		}
		res.Files = append(res.Files, name)
	}

	return res, nil
}

func openStore(cfg *config.Client, size int64) (storageIface.BlockStore, error) {
	return storage.OpenBlockStore(size, storage.Sizing{
		MemoryLimit: cfg.Upload.MemoryLimit,
		ChunkSize:   cfg.Upload.ChunkSize,
		MaxSize:     cfg.Upload.MaxUploadSize,
		ScratchDir:  cfg.Upload.ScratchDir,
	})
}

func writeFile(path string, fn func(io.Writer) error) error {
	if path == "-" {
		return fn(os.Stdout)
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating output")
	}

	if err := fn(f); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}

	return f.Close()
}
