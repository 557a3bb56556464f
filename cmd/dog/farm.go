// SPDX-License-Identifier: Apache-2.0
/*
 * sheepdog: tools for a distributed block and object store
 * Copyright (C) 2026 The sheepdog Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	units "github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/cephpp/sheepdog/farm"
)

var farmCommand = cli.Command{
	Name:  "farm",
	Usage: "operates on a local snapshot archive",
	Subcommands: []cli.Command{
		farmInitCommand,
		farmListCommand,
		farmCheckCommand,
	},
}

// archivePath reads the mandatory archive path argument.
func archivePath(ctx *cli.Context) (string, error) {
	path := ctx.Args().First()
	if path == "" {
		return "", errors.Errorf("archive path cannot be empty")
	}
	return path, nil
}

var farmInitCommand = cli.Command{
	Name:  "init",
	Usage: "creates a snapshot archive",
	ArgsUsage: `<path>

Where "<path>" is the directory to create the archive in. The path must not
exist yet.`,

	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "compress",
			Usage: "slice compression algorithm (none, gzip, zstd)",
			Value: "none",
		},
	},

	Action: func(ctx *cli.Context) error {
		path, err := archivePath(ctx)
		if err != nil {
			return err
		}

		_, err = farm.Init(path, farm.WithCompression(ctx.String("compress")))
		return err
	},
}

var farmListCommand = cli.Command{
	Name:  "list",
	Usage: "lists the snapshots in an archive",
	ArgsUsage: `<path>

Where "<path>" is an archive created with "dog farm init".`,

	Action: func(ctx *cli.Context) error {
		path, err := archivePath(ctx)
		if err != nil {
			return err
		}

		f, err := farm.Open(path)
		if err != nil {
			return err
		}

		snapshots, err := f.List()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
		fmt.Fprintln(w, "IDX\tTAG\tTIME\tOBJECTS\tSIZE")
		for _, s := range snapshots {
			ctime := "-"
			if !s.Ctime.IsZero() {
				ctime = s.Ctime.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
				s.Idx, s.Tag, ctime, s.Objects, units.HumanSize(float64(s.Bytes)))
		}
		return w.Flush()
	},
}

var farmCheckCommand = cli.Command{
	Name:  "check",
	Usage: "verifies that every slice referenced by an archive is intact",
	ArgsUsage: `<path>

Where "<path>" is an archive created with "dog farm init". Every snapshot's
trunk is walked and each referenced slice is read back and verified against
its digest.`,

	Action: func(ctx *cli.Context) error {
		path, err := archivePath(ctx)
		if err != nil {
			return err
		}

		f, err := farm.Open(path)
		if err != nil {
			return err
		}
		if err := f.Check(); err != nil {
			return err
		}

		fmt.Println("archive is sound")
		return nil
	},
}
