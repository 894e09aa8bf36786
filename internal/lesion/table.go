package lesion

// Row is one line of a result table.
type Row struct {
	Class       Class   `json:"class"`
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// Table pairs every class with its percentage, in class index order.
type Table []Row

// Chart is the bar chart series for a Table: labels on the category axis,
// percentages on the value axis.
type Chart struct {
	Categories []string  `json:"categories"`
	Values     []float64 `json:"values"`
}

// Format builds the result table for a prediction vector. Rows keep the
// class index order; they are never sorted by probability.
func Format(percentages [NumClasses]float64) Table {
	table := make(Table, NumClasses)
	for i, p := range percentages {
		c := Class(i)
		table[i] = Row{Class: c, Label: c.Label(), Probability: p}
	}
	return table
}

// Chart converts the table into chart series.
func (t Table) Chart() Chart {
	chart := Chart{
		Categories: make([]string, len(t)),
		Values:     make([]float64, len(t)),
	}
	for i, row := range t {
		chart.Categories[i] = row.Label
		chart.Values[i] = row.Probability
	}
	return chart
}
