package mathutil

// Mat is a 2D float64 matrix stored as row-major [][]float64 with a single
// contiguous backing array.
type Mat = [][]float64

// NewMat creates a rows x cols matrix initialized to zero.
func NewMat(rows, cols int) Mat {
	m := make(Mat, rows)
	data := make([]float64, rows*cols)
	for i := range m {
		m[i] = data[i*cols : (i+1)*cols]
	}
	return m
}

// FillMat fills all elements of an existing matrix with val.
func FillMat(m Mat, val float64) {
	for i := range m {
		for j := range m[i] {
			m[i][j] = val
		}
	}
}

// FillVec fills all elements of an existing vector with val.
func FillVec(v []float64, val float64) {
	for i := range v {
		v[i] = val
	}
}
