package vmm

import (
	"github.com/rossbamford-xdesign/anos/kernel"
	"github.com/rossbamford-xdesign/anos/kernel/mem/pmm"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(level Level, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the table stored in root. It calls the supplied walkFn with the page table
// entry that corresponds to each page table level. The walk descends through
// the entry passed to walkFn, so walkFn must return false for entries that
// are not present.
func (m *Mapper) walk(root pmm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	table := m.tableAt(root)
	for level := LevelPML4; level < pageLevels; level++ {
		pte := table.entry(level.Index(virtAddr))
		if !walkFn(level, pte) || level == LevelPT {
			return
		}

		table = m.nextTable(*pte)
	}
}

// leafFor returns the last level entry that maps virtAddr in the supplied
// root or ErrNotMapped if any entry along the walk is not present.
func (m *Mapper) leafFor(root pmm.Frame, virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		leaf *pageTableEntry
		err  = ErrNotMapped
	)

	m.walk(root, virtAddr, func(level Level, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if level == LevelPT {
			leaf, err = pte, nil
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return leaf, err
}
