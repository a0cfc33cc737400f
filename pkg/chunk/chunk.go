package chunk

import (
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/daviszhen/radixagg/pkg/common"
	"github.com/daviszhen/radixagg/pkg/util"
)

// Chunk is a batch of rows stored column by column.
type Chunk struct {
	Data  []*Vector
	Count int
	_Cap  int
}

func (c *Chunk) Init(types []common.LType, cap int) {
	c._Cap = cap
	c.Count = 0
	c.Data = nil
	for _, lType := range types {
		c.Data = append(c.Data, NewVector(lType, c._Cap))
	}
}

func (c *Chunk) Reset() {
	if len(c.Data) == 0 {
		return
	}
	for _, vec := range c.Data {
		vec.Reset()
	}
	c._Cap = max(c._Cap, util.DefaultVectorSize)
	c.Count = 0
}

func (c *Chunk) Cap() int {
	return c._Cap
}

func (c *Chunk) SetCap(cap int) {
	c._Cap = cap
}

func (c *Chunk) SetCard(count int) {
	util.AssertFunc(count <= c._Cap)
	c.Count = count
}

func (c *Chunk) Card() int {
	return c.Count
}

func (c *Chunk) ColumnCount() int {
	if c == nil {
		return 0
	}
	return len(c.Data)
}

func (c *Chunk) Types() []common.LType {
	ret := make([]common.LType, len(c.Data))
	for i, vec := range c.Data {
		ret[i] = vec.Typ()
	}
	return ret
}

func (c *Chunk) ReferenceIndice(other *Chunk, indice []int) {
	c.SetCap(other.Cap())
	c.SetCard(other.Card())
	for i, idx := range indice {
		c.Data[i].Reference(other.Data[idx])
	}
}

func (c *Chunk) Reference(other *Chunk) {
	util.AssertFunc(other.ColumnCount() <= c.ColumnCount())
	c.SetCap(other.Cap())
	c.SetCard(other.Card())
	for i := 0; i < other.ColumnCount(); i++ {
		c.Data[i].Reference(other.Data[i])
	}
}

// Slice copies the count rows of other picked by sel into the columns of c
// starting at colOffset.
func (c *Chunk) Slice(other *Chunk, sel *SelectVector, count int, colOffset int) {
	util.AssertFunc(other.ColumnCount() <= colOffset+c.ColumnCount())
	c.SetCap(max(c.Cap(), count))
	c.SetCard(count)
	for i := 0; i < other.ColumnCount(); i++ {
		c.Data[i+colOffset].Slice(other.Data[i], sel, count)
	}
}

// Append copies all rows of other to the tail of c, growing c if needed.
func (c *Chunk) Append(other *Chunk) {
	util.AssertFunc(other.ColumnCount() == c.ColumnCount())
	need := c.Card() + other.Card()
	newCap := max(c.Cap(), int(util.NextPowerOfTwo(uint64(need))))
	for i, vec := range c.Data {
		vec.Flatten(c.Card())
		if vec.Cap() < need {
			grown := NewVector(vec.Typ(), newCap)
			Copy(vec, grown, nil, c.Card(), 0, 0)
			vec = grown
			c.Data[i] = grown
		}
		Copy(other.Data[i], vec, nil, other.Card(), 0, c.Card())
	}
	c._Cap = max(c._Cap, need)
	c.Count = need
}

func (c *Chunk) ToUnifiedFormat() []*UnifiedFormat {
	ret := make([]*UnifiedFormat, c.ColumnCount())
	for i := 0; i < c.ColumnCount(); i++ {
		ret[i] = &UnifiedFormat{}
		c.Data[i].ToUnifiedFormat(c.Card(), ret[i])
	}
	return ret
}

// Row returns the values of row i.
func (c *Chunk) Row(i int) []*Value {
	ret := make([]*Value, c.ColumnCount())
	for j := 0; j < c.ColumnCount(); j++ {
		ret[j] = c.Data[j].GetValue(i)
	}
	return ret
}

func (c *Chunk) Print() {
	for i := 0; i < c.Card(); i++ {
		for j := 0; j < c.ColumnCount(); j++ {
			fmt.Print(c.Data[j].GetValue(i).String())
			fmt.Print("\t")
		}
		fmt.Println()
	}
}

func (c *Chunk) Print2(rowPrefix string) {
	for i := 0; i < c.Card(); i++ {
		fields := make([]zap.Field, 0, c.ColumnCount())
		for j := 0; j < c.ColumnCount(); j++ {
			fields = append(fields, zap.String("", c.Data[j].GetValue(i).String()))
		}
		util.Info(rowPrefix, fields...)
	}
}

// Hash hashes every row over all columns into the flat UBIGINT result.
func (c *Chunk) Hash(result *Vector) {
	util.AssertFunc(result.Typ().Id == common.HashType().Id)
	HashTypeSwitch(c.Data[0], result, nil, c.Card(), false)
	for i := 1; i < c.ColumnCount(); i++ {
		CombineHashTypeSwitch(result, c.Data[i], nil, c.Card(), false)
	}
}

// SaveToWriter writes rows as tab separated text.
func (c *Chunk) SaveToWriter(w io.Writer) (err error) {
	rowCnt := c.Card()
	colCnt := c.ColumnCount()
	var sb strings.Builder
	for i := 0; i < rowCnt; i++ {
		sb.Reset()
		for j := 0; j < colCnt; j++ {
			sb.WriteString(c.Data[j].GetValue(i).String())
			if j != colCnt-1 {
				sb.WriteByte('\t')
			}
		}
		sb.WriteByte('\n')
		_, err = io.WriteString(w, sb.String())
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Chunk) Flatten() {
	for i := 0; i < c.ColumnCount(); i++ {
		c.Data[i].Flatten(c.Card())
	}
}
