// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gwaspi

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"git.arvados.org/arvados.git/lib/cmd"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"import-plink":   &importPlink{},
		"export-plink":   &exportPlink{},
		"export-numpy":   &exportNumpy{},
		"sample-qa":      &qaCommand{kind: OpSampleQA},
		"marker-qa":      &qaCommand{kind: OpMarkerQA},
		"census":         &censusCommand{},
		"hardy-weinberg": &hardyWeinbergCommand{},
		"allelic":        &associationCommand{kind: OpAllelic},
		"genotypic":      &associationCommand{kind: OpGenotypic},
		"trend":          &associationCommand{kind: OpTrend},
		"merge":          &mergeCommand{},
		"extract":        &extractCommand{},
		"translate":      &translateCommand{},
		"flip-strand":    &flipStrandCommand{},
		"matrix-stats":   &matrixStats{},
		"dump":           &dumpCommand{},
	})
)

func Main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// ErrNoDataLeft is returned when exclusion criteria leave nothing
// to process. Commands report it as a warning and exit 0.
var ErrNoDataLeft = errors.New("no data left after exclusions")

type usageError struct {
	error
}

// errHelp is returned by parseFlags after printing usage in
// response to -help.
var errHelp = errors.New("help requested")

// parseFlags parses args, and rejects any non-flag arguments.
func parseFlags(flags *flag.FlagSet, args []string) error {
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return errHelp
	} else if err != nil {
		return usageError{err}
	} else if flags.NArg() > 0 {
		return usageError{fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())}
	}
	return nil
}

// exitCode reports err (if any) and returns the appropriate exit
// code.
func exitCode(err error, stderr io.Writer) int {
	var uerr usageError
	switch {
	case err == nil, errors.Is(err, errHelp):
		return 0
	case errors.Is(err, ErrNoDataLeft):
		logrus.Warn(err)
		return 0
	case errors.As(err, &uerr):
		fmt.Fprintf(stderr, "%s\n", err)
		return 2
	default:
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
}

func newOperationID() string {
	return uuid.New().String()
}

// writeOperation stores an operation result and registers it in
// the catalog.
func writeOperation(ctx context.Context, rf *runFlags, fnm string, hdr OperationHeader, ents []OperationEntry) error {
	w, err := CreateOperation(fnm, hdr)
	if err != nil {
		return err
	}
	for _, ent := range ents {
		err = w.Write(ent)
		if err != nil {
			w.Close()
			return err
		}
	}
	err = w.Close()
	if err != nil {
		return err
	}
	return registerOperation(ctx, rf, hdr, fnm)
}

func registerOperation(ctx context.Context, rf *runFlags, hdr OperationHeader, fnm string) error {
	if hdr.Created.IsZero() {
		hdr.Created = time.Now().UTC()
	}
	cat, err := rf.OpenCatalog()
	if err != nil {
		return err
	}
	defer closeLogged(cat, rf.Catalog)
	runID, err := cat.RegisterOperation(ctx, hdr, fnm)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"operation": hdr.ID,
		"run":       runID,
		"kind":      hdr.Kind,
	}).Infof("wrote %s", fnm)
	return nil
}

func registerMatrix(ctx context.Context, rf *runFlags, meta MatrixMetadata, dir string) error {
	cat, err := rf.OpenCatalog()
	if err != nil {
		return err
	}
	defer closeLogged(cat, rf.Catalog)
	err = cat.RegisterMatrix(ctx, meta, dir)
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"matrix":  meta.ID,
		"samples": meta.SampleCount,
		"markers": meta.MarkerCount,
	}).Infof("wrote %s", dir)
	return nil
}
