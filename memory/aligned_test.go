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

package memory

import (
	"testing"
	"unsafe"
)

func TestAlignedAlloc(t *testing.T) {
	for _, align := range []int{64, 512, 4096} {
		buf := AlignedAlloc(1024, align)
		if len(buf) != 1024 {
			t.Fatalf("len = %d, want 1024", len(buf))
		}
		addr := uintptr(unsafe.Pointer(&buf[0]))
		if addr%uintptr(align) != 0 {
			t.Fatalf("address %x not aligned to %d", addr, align)
		}
		AlignedFree(buf)
	}
}
