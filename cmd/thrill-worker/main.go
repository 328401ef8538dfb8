// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command thrill-worker is the process entry point of a thrill job: it
// reads the THRILL_* environment into a host.Config, builds the
// host.Context (or contexts, for simulated multi-host local runs) that
// every worker on this host shares, and runs the word-count DIA
// program against the input file(s) named on the command line --
// mirroring cmd/snellerd's thin-driver-around-a-manager shape.
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"

	"github.com/thrillrt/thrill/host"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("thrill-worker: %s", err)
	}
}

func run(args []string) error {
	cfg, err := host.FromEnv()
	if err != nil {
		return err
	}

	logger := log.New(os.Stderr, "thrill-worker: ", log.LstdFlags)

	if cfg.HasRank {
		ctx, err := host.New(cfg, logger)
		if err != nil {
			return err
		}
		defer ctx.Close()
		return runWordCount(ctx, args)
	}

	ctxs, err := host.NewLocal(cfg, logger)
	if err != nil {
		return err
	}
	for _, c := range ctxs {
		defer c.Close()
	}
	// Local mode simulates every host in this one process; only rank 0
	// drives the example program, since the wordcount driver below does
	// not yet distribute input shards across hosts itself.
	return runWordCount(ctxs[0], args)
}

func lines(paths []string) ([]string, error) {
	var out []string
	if len(paths) == 0 {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			out = append(out, sc.Text())
		}
		return out, sc.Err()
	}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			out = append(out, sc.Text())
		}
		f.Close()
		if err := sc.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func printCounts(counts map[string]int64) {
	for word, n := range counts {
		fmt.Printf("%s\t%d\n", word, n)
	}
}
