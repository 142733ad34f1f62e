package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tcfw/w3s/internal/config"
	"github.com/tcfw/w3s/internal/storage"
	"github.com/tcfw/w3s/internal/utils/logging"
	"github.com/tcfw/w3s/pkg/car"
	"github.com/tcfw/w3s/pkg/dag"
	"github.com/tcfw/w3s/pkg/w3s"
)

var (
	lsCmd = &cobra.Command{
		Use:   "ls",
		Short: "List uploads, newest first",
		Args:  cobra.NoArgs,
		RunE:  runLs,
	}

	statusCmd = &cobra.Command{
		Use:   "status <cid>",
		Short: "Show pin and deal status of an upload",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}

	headCmd = &cobra.Command{
		Use:   "head <cid>",
		Short: "Show the CAR size of an upload",
		Args:  cobra.ExactArgs(1),
		RunE:  runHead,
	}

	getCmd = &cobra.Command{
		Use:   "get <cid>",
		Short: "Download the CAR of an upload",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}
)

func init() {
	lsCmd.Flags().String("before", "", "only list uploads created before this RFC3339 time")
	lsCmd.Flags().Int("size", w3s.DefaultPageSize, "page size")
	lsCmd.Flags().Bool("all", false, "page through every upload")

	getCmd.Flags().StringP("out", "o", "", "file to write. Defaults to <cid>.car, or <cid> with --extract. Use '-' for stdout")
	getCmd.Flags().BoolP("extract", "x", false, "reassemble the file from the CAR")
}

func runLs(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	client, cfg, err := newClient()
	if err != nil {
		return err
	}

	var before time.Time
	if s, _ := cmd.Flags().GetString("before"); s != "" {
		before, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return errors.Wrap(err, "parsing before")
		}
	}
	size, _ := cmd.Flags().GetInt("size")
	all, _ := cmd.Flags().GetBool("all")

	var uploads []w3s.Upload

	if all {
		it := client.Uploads(before, size)
		for {
			u, err := it.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			uploads = append(uploads, *u)
		}
	} else {
		uploads, err = client.UserUploads(ctx, before, size)
		if err != nil {
			return err
		}
	}

	return printRecord(os.Stdout, cfg.Output(), uploads, func(w io.Writer) error {
		for i := range uploads {
			printUploadLine(w, &uploads[i])
		}
		return nil
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	id, err := cid.Decode(args[0])
	if err != nil {
		return errors.Wrap(err, "parsing cid")
	}

	client, cfg, err := newClient()
	if err != nil {
		return err
	}

	st, err := client.Status(ctx, id)
	if err != nil {
		return err
	}

	return printRecord(os.Stdout, cfg.Output(), st, func(w io.Writer) error {
		printStatus(w, st)
		return nil
	})
}

type headResult struct {
	Cid  string `json:"cid" yaml:"cid"`
	Size int64  `json:"size" yaml:"size"`
}

func runHead(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	id, err := cid.Decode(args[0])
	if err != nil {
		return errors.Wrap(err, "parsing cid")
	}

	client, cfg, err := newClient()
	if err != nil {
		return err
	}

	n, err := client.HeadCar(ctx, id)
	if err != nil {
		return err
	}

	res := &headResult{Cid: cfg.Client().FormatCID(id), Size: n}
	return printRecord(os.Stdout, cfg.Output(), res, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%s\t%s\n", res.Cid, humanize.IBytes(uint64(n)))
		return err
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	id, err := cid.Decode(args[0])
	if err != nil {
		return errors.Wrap(err, "parsing cid")
	}

	client, cfg, err := newClient()
	if err != nil {
		return err
	}

	extract, _ := cmd.Flags().GetBool("extract")
	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		out = id.String()
		if !extract {
			out += ".car"
		}
	}

	rc, err := client.Car(ctx, id)
	if err != nil {
		return err
	}
	defer rc.Close()

	if !extract {
		return writeFile(out, func(w io.Writer) error {
			n, err := io.Copy(w, rc)
			logging.WithField("bytes", n).Debug("car downloaded")
			return err
		})
	}

	return extractCar(ctx, cfg.Client(), rc, id, out)
}

// extractCar loads the CAR in r into a scratch store and writes out the
// file rooted at root.
func extractCar(ctx context.Context, cfg *config.Client, r io.Reader, root cid.Cid, out string) error {
	cr, err := car.NewReader(r)
	if err != nil {
		return err
	}

	store, err := storage.NewScratchStore(cfg.Upload.ScratchDir, 0)
	if err != nil {
		return errors.Wrap(err, "opening scratch store")
	}
	defer store.Close()

	for {
		b, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		if err := store.Put(ctx, b); err != nil {
			return err
		}
	}

	if err := dag.Validate(ctx, store, root); err != nil {
		return errors.Wrap(err, "car is incomplete")
	}

	return writeFile(out, func(w io.Writer) error {
		_, err := dag.WriteTo(ctx, store, root, w)
		return err
	})
}
