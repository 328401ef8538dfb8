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

package host

import (
	"path/filepath"
	"testing"
)

func TestFromEnvDefaultsAndOverrides(t *testing.T) {
	t.Setenv("THRILL_CONFIG", "")
	t.Setenv("THRILL_RANK", "")
	t.Setenv("THRILL_HOSTLIST", "")
	t.Setenv("THRILL_WORKERS_PER_HOST", "3")
	t.Setenv("THRILL_LOCAL", "2")
	t.Setenv("THRILL_RAM", "1048576")
	t.Setenv("THRILL_DISKS", "random_cyclic:/tmp/a,/tmp/b")
	t.Setenv("THRILL_DISK_COMPRESS", "true")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HasRank {
		t.Fatal("expected HasRank false with THRILL_RANK unset")
	}
	if cfg.WorkersPerHost != 3 {
		t.Fatalf("got WorkersPerHost %d, want 3", cfg.WorkersPerHost)
	}
	if cfg.Local != 2 {
		t.Fatalf("got Local %d, want 2", cfg.Local)
	}
	if cfg.RAMSoft != 1<<20 {
		t.Fatalf("got RAMSoft %d, want %d", cfg.RAMSoft, 1<<20)
	}
	if cfg.DiskStrategy != "random_cyclic" {
		t.Fatalf("got DiskStrategy %q, want random_cyclic", cfg.DiskStrategy)
	}
	if len(cfg.Disks) != 2 || cfg.Disks[0].Path != "/tmp/a" || cfg.Disks[1].Path != "/tmp/b" {
		t.Fatalf("got Disks %+v", cfg.Disks)
	}
	if !cfg.DiskCompress {
		t.Fatal("expected DiskCompress true")
	}
}

func TestFromEnvRankRequiresNoDefaultLocal(t *testing.T) {
	t.Setenv("THRILL_CONFIG", "")
	t.Setenv("THRILL_RANK", "0")
	t.Setenv("THRILL_HOSTLIST", "127.0.0.1:9001")
	t.Setenv("THRILL_WORKERS_PER_HOST", "")
	t.Setenv("THRILL_LOCAL", "")
	t.Setenv("THRILL_RAM", "")
	t.Setenv("THRILL_DISKS", "")
	t.Setenv("THRILL_DISK_COMPRESS", "")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.HasRank || cfg.Rank != 0 {
		t.Fatalf("got HasRank=%v Rank=%d", cfg.HasRank, cfg.Rank)
	}
	if len(cfg.Hostlist) != 1 || cfg.Hostlist[0] != "127.0.0.1:9001" {
		t.Fatalf("got Hostlist %v", cfg.Hostlist)
	}
	if cfg.WorkersPerHost <= 0 {
		t.Fatal("expected WorkersPerHost to default to a positive value")
	}
}

func TestNewLocalSingleHostWiresUpPool(t *testing.T) {
	cfg := &Config{
		Disks:          []DiskConfig{{Path: filepath.Join(t.TempDir(), "scratch")}},
		WorkersPerHost: 4,
	}
	ctxs, err := NewLocal(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ctxs) != 1 {
		t.Fatalf("got %d contexts, want 1", len(ctxs))
	}
	c := ctxs[0]
	defer c.Close()

	if c.Pool == nil || c.Memory == nil || c.Disks == nil || c.Mux == nil {
		t.Fatal("expected every singleton to be wired")
	}
	if c.Group != nil {
		t.Fatal("a single simulated host should have a nil Group")
	}
	if c.Mux.Workers() != cfg.WorkersPerHost {
		t.Fatalf("got %d workers, want %d", c.Mux.Workers(), cfg.WorkersPerHost)
	}
}

func TestNewLocalMultiHostLoopbackMesh(t *testing.T) {
	cfg := &Config{Local: 3, WorkersPerHost: 2}
	ctxs, err := NewLocal(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ctxs) != 3 {
		t.Fatalf("got %d contexts, want 3", len(ctxs))
	}
	for i, c := range ctxs {
		defer c.Close()
		if c.Rank != i || c.Hosts != 3 {
			t.Fatalf("context %d: got Rank=%d Hosts=%d", i, c.Rank, c.Hosts)
		}
		if c.Group == nil {
			t.Fatalf("context %d: expected a non-nil loopback Group", i)
		}
		if c.Mux.GlobalWorker(1) != uint32(i*2+1) {
			t.Fatalf("context %d: got global worker %d, want %d", i, c.Mux.GlobalWorker(1), i*2+1)
		}
	}
}

type capturingLogger struct {
	lines []string
}

func (l *capturingLogger) Printf(f string, args ...interface{}) {
	l.lines = append(l.lines, f)
}

func TestContextErrorfIsNilSafeAndUsesLogger(t *testing.T) {
	c := &Context{}
	c.errorf("no logger set, must not panic: %d", 1)

	l := &capturingLogger{}
	c.Logger = l
	c.errorf("disk %d failed", 7)
	if len(l.lines) != 1 {
		t.Fatalf("got %d logged lines, want 1", len(l.lines))
	}
}
