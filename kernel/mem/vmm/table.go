package vmm

import (
	"github.com/negrel/assert"
)

// Level identifies a translation table level. The walk starts at LevelPML4
// and ends at LevelPT whose entries map 4K pages.
type Level uint8

const (
	LevelPML4 Level = iota
	LevelPDPT
	LevelPD
	LevelPT
)

var levelNames = [pageLevels]string{"PML4", "PDPT", "PD", "PT"}

// String implements fmt.Stringer.
func (l Level) String() string {
	if l >= pageLevels {
		return "invalid"
	}
	return levelNames[l]
}

// Index returns the entry index that virtAddr selects in a table at this
// level.
func (l Level) Index(virtAddr uintptr) TableIndex {
	assert.Less(int(l), pageLevels, "page level out of range")
	return TableIndex((virtAddr >> pageLevelShifts[l]) & ((1 << pageLevelBits[l]) - 1))
}

// TableIndex selects one of the entries of a PageTable.
type TableIndex uint16

// PML4Index returns the bits [47:39] of virtAddr.
func PML4Index(virtAddr uintptr) TableIndex { return LevelPML4.Index(virtAddr) }

// PDPTIndex returns the bits [38:30] of virtAddr.
func PDPTIndex(virtAddr uintptr) TableIndex { return LevelPDPT.Index(virtAddr) }

// PDIndex returns the bits [29:21] of virtAddr.
func PDIndex(virtAddr uintptr) TableIndex { return LevelPD.Index(virtAddr) }

// PTIndex returns the bits [20:12] of virtAddr.
func PTIndex(virtAddr uintptr) TableIndex { return LevelPT.Index(virtAddr) }

// PageTable is a translation table. Tables at every level share the same
// layout and occupy exactly one frame.
type PageTable [entriesPerTable]pageTableEntry

// entry returns a pointer to the entry at index.
func (t *PageTable) entry(index TableIndex) *pageTableEntry {
	assert.Less(int(index), entriesPerTable, "table index out of range")
	return &t[index]
}

// IsPresent returns true if the entry at index has FlagPresent set.
func (t *PageTable) IsPresent(index TableIndex) bool {
	return t.entry(index).HasFlags(FlagPresent)
}
