package importer

import (
	"github.com/airframesio/table-importer/cmd/mapping"
)

// rowBuilder lays source rows out in write-column order. A column is copied
// from its mapped source column when the page has it, and otherwise takes
// its coerced default (NULL when there is none).
type rowBuilder struct {
	sourceIndex []int // -1 selects constants[i]
	constants   []interface{}
}

func newRowBuilder(columns []string, m mapping.FieldMapping, d mapping.Defaults, sourceColumns []string) rowBuilder {
	position := make(map[string]int, len(sourceColumns))
	for i, name := range sourceColumns {
		if _, seen := position[name]; !seen {
			position[name] = i
		}
	}

	b := rowBuilder{
		sourceIndex: make([]int, len(columns)),
		constants:   make([]interface{}, len(columns)),
	}
	for i, col := range columns {
		b.sourceIndex[i] = -1
		if src, ok := m.Source(col); ok {
			if idx, ok := position[src]; ok {
				b.sourceIndex[i] = idx
				continue
			}
		}
		literal, _ := d.Value(col)
		b.constants[i] = mapping.CoerceDefault(literal)
	}
	return b
}

// width is the number of values per output row.
func (b rowBuilder) width() int {
	return len(b.sourceIndex)
}

// appendRow appends the output values for one source row to dst. Source
// values are passed through unchanged.
func (b rowBuilder) appendRow(dst []interface{}, row []interface{}) []interface{} {
	for i, idx := range b.sourceIndex {
		if idx >= 0 {
			dst = append(dst, row[idx])
		} else {
			dst = append(dst, b.constants[i])
		}
	}
	return dst
}
