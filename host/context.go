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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/thrillrt/thrill/block"
	"github.com/thrillrt/thrill/diskio"
	"github.com/thrillrt/thrill/group"
	"github.com/thrillrt/thrill/memory"
	"github.com/thrillrt/thrill/stream"
)

// Context is the ambient state a job's DIA program runs against on
// one host: the resolved Config it was built from, a process-instance
// ID (for log correlation across a distributed run, the way
// cmd/snellerd mints a uuid.New() query ID for every request), and
// the singletons every worker on this host shares. One Context exists
// per real host process; NewLocal builds several in one process to
// simulate a multi-host job for tests.
type Context struct {
	ID     uuid.UUID
	Config *Config
	Logger Logger

	Rank  int
	Hosts int

	Memory *memory.Manager
	Disks  *diskio.Manager
	Pool   *block.Pool
	Group  *group.Group // nil for a single simulated host
	Mux    *stream.Multiplexer
}

// New assembles the Context for a real (non-simulated) host process:
// cfg.HasRank must be true, and cfg.Hostlist must name every host in
// the job. It dials the TCP mesh, so it blocks until every peer has
// connected.
func New(cfg *Config, logger Logger) (*Context, error) {
	if !cfg.HasRank {
		return nil, fmt.Errorf("host: New requires THRILL_RANK (use NewLocal for simulated hosts)")
	}
	hosts := len(cfg.Hostlist)
	if hosts == 0 {
		return nil, fmt.Errorf("host: THRILL_HOSTLIST is required alongside THRILL_RANK")
	}
	var grp *group.Group
	if hosts > 1 {
		var err error
		grp, err = group.DialTCP(cfg.Rank, cfg.Hostlist, 30*time.Second)
		if err != nil {
			return nil, err
		}
	}
	return newContext(cfg.Rank, hosts, cfg, grp, logger)
}

// NewLocal builds cfg.Local simulated hosts in this one process,
// wired together with an in-process group.LoopbackTransport mesh
// instead of real sockets -- the mode THRILL_RANK being unset selects,
// matching the teacher's mock-network single-process test posture.
// Each simulated host gets its own scratch directory and resource
// managers, as if it were an independent process.
func NewLocal(cfg *Config, logger Logger) ([]*Context, error) {
	hosts := cfg.Local
	if hosts <= 0 {
		hosts = 1
	}
	var groups []*group.Group
	if hosts > 1 {
		groups = group.LoopbackTransport(hosts)
	} else {
		groups = []*group.Group{nil}
	}
	ctxs := make([]*Context, hosts)
	for h := 0; h < hosts; h++ {
		c, err := newContext(h, hosts, cfg, groups[h], logger)
		if err != nil {
			for _, prior := range ctxs[:h] {
				if prior != nil {
					prior.Close()
				}
			}
			return nil, err
		}
		ctxs[h] = c
	}
	return ctxs, nil
}

func newContext(rank, hosts int, cfg *Config, grp *group.Group, logger Logger) (*Context, error) {
	disks, err := openDisks(rank, cfg)
	if err != nil {
		return nil, err
	}
	strategy, err := diskio.StrategyByName(cfg.DiskStrategy, strategySeed(rank))
	if err != nil {
		for _, d := range disks {
			d.Close()
		}
		return nil, err
	}
	if cfg.DiskCompress {
		for _, d := range disks {
			d.SetCompress(true)
		}
	}
	parallel := len(disks)
	if parallel < 1 {
		parallel = 1
	}
	diskMgr := diskio.NewManager(disks, strategy, parallel)
	mem := memory.NewManager(cfg.RAMSoft, 0)
	pool := block.NewPool(cfg.RAMSoft, 0, diskMgr, mem)

	mux := stream.NewMultiplexer(rank, hosts, cfg.WorkersPerHost, grp, pool)
	mux.Start()

	return &Context{
		ID:     uuid.New(),
		Config: cfg,
		Logger: logger,
		Rank:   rank,
		Hosts:  hosts,
		Memory: mem,
		Disks:  diskMgr,
		Pool:   pool,
		Group:  grp,
		Mux:    mux,
	}, nil
}

// openDisks opens every configured backing store for this host. With
// no disks configured, it falls back to a single scratch file under
// the OS temp directory, so a job runs out of the box without
// THRILL_DISKS set.
func openDisks(rank int, cfg *Config) ([]*diskio.Disk, error) {
	if len(cfg.Disks) == 0 {
		dir, err := os.MkdirTemp("", fmt.Sprintf("thrill-host%d-", rank))
		if err != nil {
			return nil, fmt.Errorf("host: creating default scratch dir: %w", err)
		}
		d, err := diskio.OpenDisk(0, filepath.Join(dir, "scratch"))
		if err != nil {
			return nil, err
		}
		return []*diskio.Disk{d}, nil
	}
	disks := make([]*diskio.Disk, len(cfg.Disks))
	for i, dc := range cfg.Disks {
		d, err := diskio.OpenDisk(i, dc.Path)
		if err != nil {
			for _, prior := range disks[:i] {
				prior.Close()
			}
			return nil, err
		}
		disks[i] = d
	}
	return disks, nil
}

// strategySeed derives a per-host seed for the randomized disk
// strategies so distinct hosts in a simulated job don't all draw the
// same "random" disk order.
func strategySeed(rank int) uint64 {
	return uint64(time.Now().UnixNano()) ^ uint64(rank)*0x9e3779b97f4a7c15
}

// Close tears down every resource this Context owns. The Group's
// connections are closed first so the Multiplexer's receiver
// goroutines unblock and exit.
func (c *Context) Close() error {
	if c.Group != nil {
		c.Group.Close()
	}
	c.Pool.Close()
	c.Disks.Close()
	for _, d := range c.Disks.Disks() {
		d.Close()
	}
	return nil
}
