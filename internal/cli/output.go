package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/tcfw/w3s/pkg/w3s"
)

// printRecord writes v in the configured format, using text for the
// plain format.
func printRecord(w io.Writer, format string, v interface{}, text func(io.Writer) error) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		return text(w)
	default:
		return errors.Errorf("unknown output format %q", format)
	}
}

func printUploadLine(w io.Writer, u *w3s.Upload) {
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.Cid, humanize.IBytes(uint64(u.DagSize)), humanize.Time(u.Created), u.Name)
}

func printStatus(w io.Writer, u *w3s.Upload) {
	fmt.Fprintf(w, "cid:      %s\n", u.Cid)
	fmt.Fprintf(w, "size:     %s\n", humanize.IBytes(uint64(u.DagSize)))
	fmt.Fprintf(w, "created:  %s (%s)\n", u.Created.Format("2006-01-02 15:04:05"), humanize.Time(u.Created))

	fmt.Fprintf(w, "pins:     %d\n", len(u.Pins))
	for _, p := range u.Pins {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", p.PeerName, p.Region, p.Status, humanize.Time(p.Updated))
	}

	fmt.Fprintf(w, "deals:    %d\n", len(u.Deals))
	for _, d := range u.Deals {
		fmt.Fprintf(w, "  %d\t%s\t%s\n", d.DealID, d.StorageProvider, d.Status)
	}
}

type uploadResult struct {
	Cid   string   `json:"cid" yaml:"cid"`
	Name  string   `json:"name,omitempty" yaml:"name,omitempty"`
	Files []string `json:"files,omitempty" yaml:"files,omitempty"`
	Size  int64    `json:"size,omitempty" yaml:"size,omitempty"`
}

func (r *uploadResult) text(w io.Writer) error {
	_, err := fmt.Fprintln(w, r.Cid)
	return err
}

// openInput opens path for reading, with "-" meaning stdin. The size is
// -1 when unknown.
func openInput(path string) (*os.File, int64, error) {
	if path == "-" {
		return os.Stdin, -1, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if st.IsDir() {
		f.Close()
		return nil, 0, errors.Errorf("%s is a directory", path)
	}

	return f, st.Size(), nil
}

func inputName(path string) string {
	if path == "-" {
		return ""
	}
	return filepath.Base(path)
}
