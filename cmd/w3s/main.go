package main

import (
	"os"

	"github.com/pkg/errors"

	"github.com/tcfw/w3s/internal/cli"
	"github.com/tcfw/w3s/pkg/w3s"
)

func main() {
	err := cli.Execute()
	if err == nil {
		return
	}

	var sizeErr *w3s.SizeLimitError
	if errors.As(err, &sizeErr) {
		os.Exit(2)
	}

	os.Exit(1)
}
