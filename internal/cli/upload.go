package cli

import (
	"io"
	"os"

	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tcfw/w3s/internal/utils/logging"
	"github.com/tcfw/w3s/pkg/car"
	"github.com/tcfw/w3s/pkg/w3s"
)

var (
	uploadCmd = &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload one or more files. Use '-' for stdin",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runUpload,
	}

	putCarCmd = &cobra.Command{
		Use:   "put-car <file.car>",
		Short: "Upload an existing CAR",
		Args:  cobra.ExactArgs(1),
		RunE:  runPutCar,
	}
)

func init() {
	uploadCmd.Flags().StringP("name", "n", "", "name to store the upload under. Defaults to the file name")
	putCarCmd.Flags().StringP("name", "n", "", "name to store the upload under. Defaults to the file name")
}

func runUpload(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	if err := checkUploadArgs(name, args); err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	client, cfg, err := newClient()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		f, size, err := openInput(args[0])
		if err != nil {
			return errors.Wrap(err, "opening input")
		}
		defer f.Close()

		if name == "" {
			name = inputName(args[0])
		}

		logging.WithField("name", name).WithField("size", size).Info("uploading")

		id, err := client.Upload(ctx, name, f)
		if err != nil {
			return err
		}

		res := &uploadResult{Cid: cfg.Client().FormatCID(id), Name: name, Size: size}
		return printRecord(os.Stdout, cfg.Output(), res, res.text)
	}

	files := make([]w3s.File, 0, len(args))
	for _, p := range args {
		f, _, err := openInput(p)
		if err != nil {
			return errors.Wrap(err, "opening input")
		}
		defer f.Close()

		files = append(files, w3s.File{Name: inputName(p), Reader: f})
	}

	id, err := client.PostFiles(ctx, files...)
	if err != nil {
		return err
	}

	res := &uploadResult{Cid: cfg.Client().FormatCID(id)}
	for _, f := range files {
		res.Files = append(res.Files, f.Name)
	}

	return printRecord(os.Stdout, cfg.Output(), res, res.text)
}

// checkUploadArgs rejects flag combinations that only make sense for a
// single file.
func checkUploadArgs(name string, args []string) error {
	if len(args) < 2 {
		return nil
	}

	if name != "" {
		return errors.New("--name only applies to single file uploads")
	}

	for _, p := range args {
		if p == "-" {
			return errors.New("stdin cannot be combined with other files")
		}
	}

	return nil
}

func runPutCar(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	client, cfg, err := newClient()
	if err != nil {
		return err
	}

	f, size, err := openInput(args[0])
	if err != nil {
		return errors.Wrap(err, "opening car")
	}
	defer f.Close()

	if size < 0 {
		return errors.New("put-car needs a file")
	}

	roots, err := carRoots(f)
	if err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = inputName(args[0])
	}

	id, err := client.PostCar(ctx, name, f, size)
	if err != nil {
		return err
	}

	if !containsCid(roots, id) {
		logging.WithField("cid", id).Warn("service cid is not a root of the car")
	}

	res := &uploadResult{Cid: cfg.Client().FormatCID(id), Name: name, Size: size}
	return printRecord(os.Stdout, cfg.Output(), res, res.text)
}

// carRoots reads the header of the CAR in f and rewinds it.
func carRoots(f io.ReadSeeker) ([]cid.Cid, error) {
	r, err := car.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "reading car header")
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "rewinding car")
	}

	return r.Roots(), nil
}

func containsCid(set []cid.Cid, id cid.Cid) bool {
	for _, c := range set {
		if c.Equals(id) {
			return true
		}
	}
	return false
}
