package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/ieee0824/ivector-go/acoustic"
)

// writeFile creates path and streams write into it through a buffer.
func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// readFile opens path and passes a buffered reader to read.
func readFile(path string, read func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := read(bufio.NewReader(f)); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

func loadFullGMM(path string) (*acoustic.FullGMM, error) {
	var g *acoustic.FullGMM
	err := readFile(path, func(r io.Reader) error {
		var err error
		g, err = acoustic.ReadFullGMM(r)
		return err
	})
	return g, err
}

func loadDiagGMM(path string) (*acoustic.DiagGMM, error) {
	var g *acoustic.DiagGMM
	err := readFile(path, func(r io.Reader) error {
		var err error
		g, err = acoustic.ReadDiagGMM(r)
		return err
	})
	return g, err
}
