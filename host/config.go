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

// Package host assembles the per-process ambient state a thrill job
// runs against -- the parsed THRILL_* configuration plus the
// singletons (memory.Manager, diskio.Manager, block.Pool, group.Group,
// stream.Multiplexer) every worker on this host shares -- the same
// role tenant.Manager and dcache.Cache play for a query worker
// process.
package host

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"sigs.k8s.io/yaml"
)

// DiskConfig names one configured backing store for external-memory
// scratch by its backing file path; its position in Config.Disks is
// the index it is opened under (matching diskio.BID.Disk).
type DiskConfig struct {
	Path string `json:"path"`
}

// Config is the fully resolved job configuration: the THRILL_CONFIG
// file, if any, read first and then overridden field-by-field by
// whichever THRILL_* environment variables are set, matching the
// teacher's "flags override file, file overrides defaults" layering
// (cmd/snellerd's own flag/env precedence).
type Config struct {
	// Rank is this process's position in the host list. HasRank is
	// false when THRILL_RANK was never set, meaning the job runs in
	// single-process simulated mode over Local hosts instead.
	Rank    int  `json:"-"`
	HasRank bool `json:"-"`

	// Hostlist is the dial address of every host, indexed by rank.
	Hostlist []string `json:"hostlist,omitempty"`

	// WorkersPerHost is W, the number of worker goroutines per host.
	// Zero means runtime.NumCPU().
	WorkersPerHost int `json:"workersPerHost,omitempty"`

	// Local is the number of simulated hosts to run in-process when
	// HasRank is false.
	Local int `json:"local,omitempty"`

	// LogPath, if non-empty, is a file destination for job
	// diagnostics; empty means stderr.
	LogPath string `json:"logPath,omitempty"`

	// RAMSoft is the soft memory limit in bytes handed to
	// memory.NewManager. Zero means unlimited.
	RAMSoft int64 `json:"ramSoft,omitempty"`

	// Disks lists the configured backing stores for external-memory
	// scratch. Empty means every spill stays in a temp-dir file.
	Disks []DiskConfig `json:"disks,omitempty"`

	// DiskStrategy names the diskio.Strategy used to place new
	// extents across Disks ("striping", "random_cyclic",
	// "fully_random", "simple_random").
	DiskStrategy string `json:"diskStrategy,omitempty"`

	// DiskCompress enables s2 compression (klauspost/compress) of
	// blocks written to scratch disk.
	DiskCompress bool `json:"diskCompress,omitempty"`
}

// FromEnv builds a Config by first reading THRILL_CONFIG (if set) as
// a YAML file, then overriding whatever fields the corresponding
// THRILL_* variable also sets -- env always wins over file, the same
// layering tenant/config.go applies between a YAML tenant config and
// its environment overrides.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if path := os.Getenv("THRILL_CONFIG"); path != "" {
		loaded, err := FromYAMLFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if rank := os.Getenv("THRILL_RANK"); rank != "" {
		r, err := strconv.Atoi(rank)
		if err != nil {
			return nil, fmt.Errorf("host: parsing THRILL_RANK: %w", err)
		}
		cfg.Rank = r
		cfg.HasRank = true
	}
	if hosts := os.Getenv("THRILL_HOSTLIST"); hosts != "" {
		cfg.Hostlist = splitHostlist(hosts)
	}
	if wph := os.Getenv("THRILL_WORKERS_PER_HOST"); wph != "" {
		n, err := strconv.Atoi(wph)
		if err != nil {
			return nil, fmt.Errorf("host: parsing THRILL_WORKERS_PER_HOST: %w", err)
		}
		cfg.WorkersPerHost = n
	}
	if local := os.Getenv("THRILL_LOCAL"); local != "" {
		n, err := strconv.Atoi(local)
		if err != nil {
			return nil, fmt.Errorf("host: parsing THRILL_LOCAL: %w", err)
		}
		cfg.Local = n
	}
	if log := os.Getenv("THRILL_LOG"); log != "" {
		cfg.LogPath = log
	}
	if ram := os.Getenv("THRILL_RAM"); ram != "" {
		n, err := strconv.ParseInt(ram, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("host: parsing THRILL_RAM: %w", err)
		}
		cfg.RAMSoft = n
	}
	if disks := os.Getenv("THRILL_DISKS"); disks != "" {
		strategy, paths := parseDisks(disks)
		if strategy != "" {
			cfg.DiskStrategy = strategy
		}
		if len(paths) > 0 {
			cfg.Disks = paths
		}
	}
	if compress := os.Getenv("THRILL_DISK_COMPRESS"); compress != "" {
		b, err := strconv.ParseBool(compress)
		if err != nil {
			return nil, fmt.Errorf("host: parsing THRILL_DISK_COMPRESS: %w", err)
		}
		cfg.DiskCompress = b
	}

	if cfg.WorkersPerHost <= 0 {
		cfg.WorkersPerHost = runtime.NumCPU()
	}
	if cfg.Local <= 0 {
		cfg.Local = 1
	}
	return cfg, nil
}

// FromYAMLFile parses a THRILL_CONFIG file with sigs.k8s.io/yaml, the
// same library the rest of the pack uses for YAML-over-JSON-tags
// config structs.
func FromYAMLFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("host: reading %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("host: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// splitHostlist accepts either comma- or whitespace-separated
// host:port entries, since operators quote THRILL_HOSTLIST
// differently across shells.
func splitHostlist(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// parseDisks splits a THRILL_DISKS value of the form
// "strategy:path1,path2,..." (strategy and the colon are optional,
// defaulting to striping) into a diskio.StrategyByName token and the
// list of backing-file paths.
func parseDisks(s string) (strategy string, disks []DiskConfig) {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		strategy = s[:i]
		s = s[i+1:]
	}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			disks = append(disks, DiskConfig{Path: p})
		}
	}
	return strategy, disks
}
