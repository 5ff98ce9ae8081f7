// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package sc

import (
	gunsafe "github.com/grailbio/base/unsafe"
)

// Object pools for the per-(position x read) inner loop.
//
// Every pooled object is represented by an index into a pre-sized backing
// store: acquire is "bump logical length, return index", resetAll is "set
// logical length to zero".  Storage is reused across positions instead of
// being freed, so after warmup the inner loop performs no allocation at
// all.  All indices and interned strings handed out by a pool are valid
// only until the next resetAll call.

// umiUnit is one read's contribution to one duplicate-molecule group.
type umiUnit struct {
	base byte // pileup.Base* enum
	qual byte
}

// unitPool is an index arena of umiUnits.
type unitPool struct {
	units []umiUnit
	used  int
}

func (p *unitPool) acquire(base, qual byte) int32 {
	if p.used == len(p.units) {
		p.units = append(p.units, umiUnit{})
	}
	p.units[p.used] = umiUnit{base: base, qual: qual}
	p.used++
	return int32(p.used - 1)
}

func (p *unitPool) unit(id int32) umiUnit {
	return p.units[id]
}

func (p *unitPool) resetAll() {
	p.used = 0
}

// highWater returns the backing-store size, for reuse verification.
func (p *unitPool) highWater() int {
	return len(p.units)
}

// umiGroup is the ordered sequence of evidence units sharing one
// duplicate-molecule key.  It stores unitPool indices rather than units so
// that unitPool storage growth never invalidates group contents.
type umiGroup struct {
	units []int32
}

// groupPool is an index arena of umiGroups.  Acquired groups come back
// logically empty but keep the unit-id capacity they grew on earlier
// positions.
type groupPool struct {
	groups []umiGroup
	used   int
}

func (p *groupPool) acquire() int32 {
	if p.used == len(p.groups) {
		p.groups = append(p.groups, umiGroup{})
	} else {
		p.groups[p.used].units = p.groups[p.used].units[:0]
	}
	p.used++
	return int32(p.used - 1)
}

func (p *groupPool) group(id int32) *umiGroup {
	return &p.groups[id]
}

func (p *groupPool) resetAll() {
	p.used = 0
}

func (p *groupPool) highWater() int {
	return len(p.groups)
}

// keyPool owns copies of duplicate-molecule keys.  Keys arrive as views
// into a *sam.Record's aux memory, which gets recycled as soon as the next
// read is fetched, so they must be copied before they can serve as map
// keys.  The copies land in one byte slab; intern returns a zero-copy
// string header over the slab region.
type keyPool struct {
	slab []byte
}

func (p *keyPool) intern(key string) string {
	off := len(p.slab)
	p.slab = append(p.slab, key...)
	// If the append reallocated, strings interned earlier still reference
	// the old backing array and stay intact until resetAll.
	return gunsafe.BytesToString(p.slab[off:len(p.slab):len(p.slab)])
}

func (p *keyPool) resetAll() {
	p.slab = p.slab[:0]
}

func (p *keyPool) highWater() int {
	return cap(p.slab)
}
