// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpmstage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

const (
	signatures = 0x3e
	immutable  = 0x3f

	typeInt16       = 0x03
	typeInt32       = 0x04
	typeString      = 0x06
	typeBinary      = 0x07
	typeStringArray = 0x08
)

// Only integer types are aligned. This is not just an optimization - some versions
// of rpm fail when integers are not aligned. Other versions fail when non-integers are aligned.
var boundaries = map[int]int{
	typeInt16: 2,
	typeInt32: 4,
}

// indexEntry is the type, element count and encoded data of a header tag.
type indexEntry struct {
	rpmtype, count int
	data           []byte
}

func (e indexEntry) indexBytes(tag, contentOffset int) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint32(b[0:], uint32(tag))
	binary.BigEndian.PutUint32(b[4:], uint32(e.rpmtype))
	binary.BigEndian.PutUint32(b[8:], uint32(contentOffset))
	binary.BigEndian.PutUint32(b[12:], uint32(e.count))
	return b
}

func entryString(value string) indexEntry {
	return indexEntry{typeString, 1, append([]byte(value), 0)}
}

func entryStringArray(value []string) indexEntry {
	b := &bytes.Buffer{}
	for _, v := range value {
		b.WriteString(v)
		b.WriteByte(0)
	}
	return indexEntry{typeStringArray, len(value), b.Bytes()}
}

func entryBinary(value []byte) indexEntry {
	return indexEntry{typeBinary, len(value), value}
}

func entryInt32(value []int32) indexEntry {
	b := make([]byte, 4*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint32(b[4*i:], uint32(v))
	}
	return indexEntry{typeInt32, len(value), b}
}

func entryUint32(value []uint32) indexEntry {
	b := make([]byte, 4*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint32(b[4*i:], v)
	}
	return indexEntry{typeInt32, len(value), b}
}

func entryInt16(value []int16) indexEntry {
	b := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(b[2*i:], uint16(v))
	}
	return indexEntry{typeInt16, len(value), b}
}

func entryUint16(value []uint16) indexEntry {
	b := make([]byte, 2*len(value))
	for i, v := range value {
		binary.BigEndian.PutUint16(b[2*i:], v)
	}
	return indexEntry{typeInt16, len(value), b}
}

type index struct {
	entries map[int]indexEntry
	h       int
}

func newIndex(h int) *index {
	return &index{entries: make(map[int]indexEntry), h: h}
}

func (i *index) Add(tag int, e indexEntry) {
	i.entries[tag] = e
}

func (i *index) sortedTags() []int {
	t := make([]int, 0, len(i.entries))
	for k := range i.entries {
		t = append(t, k)
	}
	sort.Ints(t)
	return t
}

func pad(w *bytes.Buffer, rpmtype, offset int) {
	// We need to align integer entries...
	if b, ok := boundaries[rpmtype]; ok && offset%b != 0 {
		w.Write(make([]byte, b-offset%b))
	}
}

// Bytes returns the bytes of the index.
func (i *index) Bytes() ([]byte, error) {
	w := &bytes.Buffer{}
	// Even the header has three parts: The lead, the index entries, and the entries.
	// Because of alignment, we can only tell the actual size and offset after writing
	// the entries.
	entryData := &bytes.Buffer{}
	tags := i.sortedTags()
	offsets := make([]int, len(tags))
	for ii, tag := range tags {
		e := i.entries[tag]
		pad(entryData, e.rpmtype, entryData.Len())
		offsets[ii] = entryData.Len()
		entryData.Write(e.data)
	}
	eigen := i.eigenHeader()
	entryData.Write(eigen.data)

	// 4 magic and 4 reserved
	w.Write([]byte{0x8e, 0xad, 0xe8, 0x01, 0, 0, 0, 0})
	// 4 count and 4 size
	// We add the pseudo-entry "eigenHeader" to count.
	if err := binary.Write(w, binary.BigEndian, []int32{int32(len(i.entries)) + 1, int32(entryData.Len())}); err != nil {
		return nil, errors.Wrap(err, "failed to write eigenHeader")
	}
	// Write the eigenHeader index entry
	w.Write(eigen.indexBytes(i.h, entryData.Len()-0x10))
	// Write all of the other index entries
	for ii, tag := range tags {
		w.Write(i.entries[tag].indexBytes(tag, offsets[ii]))
	}
	w.Write(entryData.Bytes())
	return w.Bytes(), nil
}

// the eigenHeader is a weird entry. Its index entry is sorted first, but its content
// is last. The content is a 16 byte index entry, which is almost the same as the index
// entry except for the offset. The offset here is ... minus the length of the index entry region.
// Which is always 0x10 * number of entries.
// I kid you not.
func (i *index) eigenHeader() indexEntry {
	e := indexEntry{rpmtype: typeBinary, count: 0x10}
	return entryBinary(e.indexBytes(i.h, -0x10*(len(i.entries)+1)))
}

func lead(name, fullVersion string) []byte {
	// RPM format = 0xedabeedb
	// version 3.0 = 0x0300
	// type binary = 0x0000
	// machine archnum (i386?) = 0x0001
	// name ( 66 bytes, with null termination)
	// osnum (linux?) = 0x0001
	// sig type (header-style) = 0x0005
	// reserved 16 bytes of 0x00
	n := []byte(fmt.Sprintf("%s-%s", name, fullVersion))
	if len(n) > 65 {
		n = n[:65]
	}
	n = append(n, make([]byte, 66-len(n))...)
	b := []byte{0xed, 0xab, 0xee, 0xdb, 0x03, 0x00, 0x00, 0x00, 0x00, 0x01}
	b = append(b, n...)
	b = append(b, []byte{0x00, 0x01, 0x00, 0x05}...)
	b = append(b, make([]byte, 16)...)
	return b
}
