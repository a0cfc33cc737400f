package chunk

type SelectVector struct {
	SelVec []int
}

func NewSelectVector(count int) *SelectVector {
	vec := &SelectVector{}
	vec.Init(count)
	return vec
}

// NewSelectVector2 selects [start, start+count).
func NewSelectVector2(start, count int) *SelectVector {
	vec := &SelectVector{}
	vec.Init(count)
	for i := 0; i < count; i++ {
		vec.SetIndex(i, start+i)
	}
	return vec
}

// Invalid means identity selection.
func (svec *SelectVector) Invalid() bool {
	return svec == nil || len(svec.SelVec) == 0
}

func (svec *SelectVector) Init(cnt int) {
	svec.SelVec = make([]int, cnt)
}

func (svec *SelectVector) GetIndex(idx int) int {
	if svec.Invalid() {
		return idx
	}
	return svec.SelVec[idx]
}

func (svec *SelectVector) SetIndex(idx int, index int) {
	svec.SelVec[idx] = index
}

func (svec *SelectVector) Init3(data []int) {
	svec.SelVec = data
}

var zeroSelectVector = SelectVector{SelVec: make([]int, 1024*64)}

// ZeroSelectVector maps every row to 0. Used for constant vectors.
func ZeroSelectVector(cnt int, sel *SelectVector) *SelectVector {
	if cnt <= len(zeroSelectVector.SelVec) {
		sel.Init3(zeroSelectVector.SelVec[:cnt])
	} else {
		sel.Init(cnt)
	}
	return sel
}
