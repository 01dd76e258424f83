// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gwaspi

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

func writePlinkMap(w io.Writer, mks []MarkerInfo) error {
	bufw := bufio.NewWriter(w)
	for _, mi := range mks {
		fmt.Fprintf(bufw, "%s\t%s\t0\t%d\n", mi.Chromosome, mi.Key, mi.Position)
	}
	return bufw.Flush()
}

// ExportPlink writes the matrix as PLINK .ped and .map text, one
// sample at a time.
func ExportPlink(ctx context.Context, m *MatrixReader, ped, mapw io.Writer) error {
	err := writePlinkMap(mapw, m.Markers)
	if err != nil {
		return err
	}
	bufw := bufio.NewWriterSize(ped, 1<<20)
	for s, si := range m.Samples {
		if err := ctx.Err(); err != nil {
			return err
		}
		gs, err := m.ReadSample(s)
		if err != nil {
			return err
		}
		fid := si.Key.FamilyID
		if fid == "" {
			fid = si.Key.SampleID
		}
		fmt.Fprintf(bufw, "%s %s 0 0 %d %d", fid, si.Key.SampleID, si.Sex, si.Affection)
		for _, g := range gs {
			bufw.WriteByte(' ')
			bufw.WriteByte(g[0])
			bufw.WriteByte(' ')
			bufw.WriteByte(g[1])
		}
		err = bufw.WriteByte('\n')
		if err != nil {
			return err
		}
	}
	return bufw.Flush()
}

type exportPlink struct {
	runFlags
}

func (cmd *exportPlink) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return exitCode(cmd.run(prog, args, stdin, stdout, stderr), stderr)
}

func (cmd *exportPlink) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.runFlags.Flags(flags)
	inputDir := flags.String("i", "", "input matrix `directory`")
	outputDir := flags.String("output-dir", "./out", "output `directory`")
	basename := flags.String("basename", "matrix", "output file `basename` (.ped and .map are appended)")
	err := parseFlags(flags, args)
	if err != nil {
		return err
	}
	if *inputDir == "" {
		return usageError{errors.New("missing required flag -i")}
	}
	if err := cmd.Resolve(flags); err != nil {
		return err
	}

	if !cmd.local {
		runner := cmd.Runner("export-plink", 16000000000, 1)
		err = runner.TranslatePaths(inputDir)
		if err != nil {
			return err
		}
		runner.Args = append([]string{"export-plink"}, cmd.runFlags.Args()...)
		runner.Args = append(runner.Args, "-i", *inputDir, "-basename="+*basename, "-output-dir", "/mnt/output")
		var output string
		output, err = runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/"+*basename+".ped")
		return nil
	}
	defer cmd.Start()()

	m, err := OpenMatrix(*inputDir)
	if err != nil {
		return err
	}
	defer closeLogged(m, *inputDir)
	err = os.MkdirAll(*outputDir, 0777)
	if err != nil {
		return err
	}
	pedfnm := filepath.Join(*outputDir, *basename+".ped")
	mapfnm := filepath.Join(*outputDir, *basename+".map")
	pedf, err := os.OpenFile(pedfnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer pedf.Close()
	mapf, err := os.OpenFile(mapfnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer mapf.Close()
	err = ExportPlink(context.Background(), m, pedf, mapf)
	if err != nil {
		return err
	}
	if err = pedf.Close(); err != nil {
		return err
	}
	if err = mapf.Close(); err != nil {
		return err
	}
	log.Infof("wrote %s and %s", pedfnm, mapfnm)
	return nil
}
