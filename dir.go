package rpmstage

// dirIndex holds the index from files to directory names.
type dirIndex struct {
	m map[string]uint32
	l []string
}

func newDirIndex() *dirIndex {
	return &dirIndex{m: make(map[string]uint32)}
}

// Get returns the index of dir, adding it on first use.
func (d *dirIndex) Get(dir string) uint32 {
	if idx, ok := d.m[dir]; ok {
		return idx
	}
	idx := uint32(len(d.l))
	d.l = append(d.l, dir)
	d.m[dir] = idx
	return idx
}

func (d *dirIndex) AllDirs() []string {
	return d.l
}
