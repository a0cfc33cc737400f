package util

// Bitmap is a validity mask. A nil Bits means every row is valid.
type Bitmap struct {
	Bits []uint8
}

func (bm *Bitmap) Init(count int) {
	cnt := EntryCount(count)
	bm.Bits = make([]uint8, cnt)
	for i := range bm.Bits {
		bm.Bits[i] = 0xFF
	}
}

func (bm *Bitmap) Invalid() bool {
	return len(bm.Bits) == 0
}

func GetEntryIndex(idx uint64) (uint64, uint64) {
	return idx / 8, idx % 8
}

func EntryIsSet(e uint8, pos uint64) bool {
	return e&(1<<pos) != 0
}

func (bm *Bitmap) RowIsValid(idx uint64) bool {
	if bm.Invalid() {
		return true
	}
	eIdx, pos := GetEntryIndex(idx)
	if eIdx >= uint64(len(bm.Bits)) {
		return true
	}
	return EntryIsSet(bm.Bits[eIdx], pos)
}

func (bm *Bitmap) Set(ridx uint64, valid bool) {
	if valid {
		bm.SetValid(ridx)
	} else {
		bm.SetInvalid(ridx)
	}
}

func (bm *Bitmap) SetValid(ridx uint64) {
	if bm.Invalid() {
		return
	}
	bm.grow(ridx)
	eIdx, pos := GetEntryIndex(ridx)
	bm.Bits[eIdx] |= 1 << pos
}

func (bm *Bitmap) SetInvalid(ridx uint64) {
	if bm.Invalid() {
		bm.Init(max(DefaultVectorSize, int(ridx)+1))
	}
	bm.grow(ridx)
	eIdx, pos := GetEntryIndex(ridx)
	bm.Bits[eIdx] &= ^(1 << pos)
}

func (bm *Bitmap) grow(ridx uint64) {
	need := EntryCount(int(ridx) + 1)
	if need <= len(bm.Bits) {
		return
	}
	newData := make([]uint8, need)
	copy(newData, bm.Bits)
	for i := len(bm.Bits); i < need; i++ {
		newData[i] = 0xFF
	}
	bm.Bits = newData
}

func (bm *Bitmap) Reset() {
	bm.Bits = nil
}

func EntryCount(cnt int) int {
	return (cnt + 7) / 8
}

func (bm *Bitmap) AllValid() bool {
	return bm.Invalid()
}

// CountValid returns how many of the first count rows are valid.
func (bm *Bitmap) CountValid(count int) int {
	if bm.AllValid() {
		return count
	}
	cnt := 0
	for i := 0; i < count; i++ {
		if bm.RowIsValid(uint64(i)) {
			cnt++
		}
	}
	return cnt
}
