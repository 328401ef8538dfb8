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

// Logger, if non-nil, is used to log diagnostics encountered while
// running a job: disk errors, stream teardown, spill decisions. The
// shape matches tenant/dcache.Cache's Logger exactly, so the standard
// library's *log.Logger (and any other logger with a compatible
// Printf) already satisfies it without an adapter.
type Logger interface {
	Printf(f string, args ...interface{})
}

func (c *Context) errorf(f string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(f, args...)
	}
}
