package mathutil

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestPackUnpackSymRoundTrip(t *testing.T) {
	s := mat.NewSymDense(3, []float64{
		4, 1, 2,
		1, 5, 3,
		2, 3, 6,
	})
	packed := make([]float64, PackedLen(3))
	PackSym(s, packed)

	want := []float64{4, 1, 5, 2, 3, 6}
	for i, v := range packed {
		if v != want[i] {
			t.Errorf("packed[%d] = %f, want %f", i, v, want[i])
		}
	}

	back := mat.NewSymDense(3, nil)
	UnpackSym(packed, back)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if back.At(i, j) != s.At(i, j) {
				t.Errorf("back[%d,%d] = %f, want %f", i, j, back.At(i, j), s.At(i, j))
			}
		}
	}
}

func TestPackedIndex(t *testing.T) {
	// (i,j) order must match PackSym's row-by-row layout.
	s := mat.NewSymDense(4, nil)
	n := 0.0
	for i := 0; i < 4; i++ {
		for j := 0; j <= i; j++ {
			s.SetSym(i, j, n)
			n++
		}
	}
	packed := make([]float64, PackedLen(4))
	PackSym(s, packed)
	for i := 0; i < 4; i++ {
		for j := 0; j <= i; j++ {
			if packed[PackedIndex(i, j)] != s.At(i, j) {
				t.Errorf("PackedIndex(%d,%d) points at %f, want %f",
					i, j, packed[PackedIndex(i, j)], s.At(i, j))
			}
		}
	}
}

func TestTraceSymSym(t *testing.T) {
	a := mat.NewSymDense(2, []float64{2, 1, 1, 3})
	b := mat.NewSymDense(2, []float64{1, -1, -1, 2})
	// tr(a*b) computed densely.
	var prod mat.Dense
	prod.Mul(a, b)
	want := prod.At(0, 0) + prod.At(1, 1)
	got := TraceSymSym(a, b)
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("TraceSymSym = %f, want %f", got, want)
	}
}

func TestQuadForm(t *testing.T) {
	s := mat.NewSymDense(2, []float64{2, 1, 1, 3})
	x := []float64{1, 2}
	// x'Sx = 2 + 2*2 + 3*4 = 18
	got := QuadForm(s, x)
	if math.Abs(got-18.0) > 1e-12 {
		t.Errorf("QuadForm = %f, want 18", got)
	}
}

func TestInvertSymFloored(t *testing.T) {
	// Diagonal matrix with one eigenvalue below the floor.
	s := mat.NewSymDense(2, []float64{4, 0, 0, 0.5})
	dst := mat.NewSymDense(2, nil)
	floored, err := InvertSymFloored(s, 1.0, dst)
	if err != nil {
		t.Fatalf("InvertSymFloored: %v", err)
	}
	if floored != 1 {
		t.Errorf("floored = %d, want 1", floored)
	}
	if math.Abs(dst.At(0, 0)-0.25) > 1e-12 {
		t.Errorf("dst[0,0] = %f, want 0.25", dst.At(0, 0))
	}
	if math.Abs(dst.At(1, 1)-1.0) > 1e-12 {
		t.Errorf("dst[1,1] = %f, want 1.0 (floored)", dst.At(1, 1))
	}
}

func TestLogDetSym(t *testing.T) {
	s := mat.NewSymDense(2, []float64{3, 0, 0, 2})
	got, err := LogDetSym(s)
	if err != nil {
		t.Fatalf("LogDetSym: %v", err)
	}
	want := math.Log(6.0)
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("LogDetSym = %f, want %f", got, want)
	}
}

func TestFloorSym(t *testing.T) {
	s := mat.NewSymDense(2, []float64{0.1, 0, 0, 9})
	floor := mat.NewSymDense(2, []float64{1, 0, 0, 1})
	floored, err := FloorSym(s, floor)
	if err != nil {
		t.Fatalf("FloorSym: %v", err)
	}
	if floored != 1 {
		t.Errorf("floored = %d, want 1", floored)
	}
	if math.Abs(s.At(0, 0)-1.0) > 1e-10 {
		t.Errorf("s[0,0] = %f, want 1.0", s.At(0, 0))
	}
	if math.Abs(s.At(1, 1)-9.0) > 1e-10 {
		t.Errorf("s[1,1] = %f, want 9.0 (untouched)", s.At(1, 1))
	}
}

func TestHouseholderReflector(t *testing.T) {
	x := []float64{3, 4}
	H := HouseholderReflector(x)

	// H*x lands on the first axis with length |x|.
	var y mat.VecDense
	y.MulVec(H, mat.NewVecDense(2, x))
	if math.Abs(math.Abs(y.AtVec(0))-5.0) > 1e-12 {
		t.Errorf("|Hx[0]| = %f, want 5", math.Abs(y.AtVec(0)))
	}
	if math.Abs(y.AtVec(1)) > 1e-12 {
		t.Errorf("Hx[1] = %f, want 0", y.AtVec(1))
	}

	// H is orthogonal: H*H' = I.
	var prod mat.Dense
	prod.Mul(H, H.T())
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(prod.At(i, j)-want) > 1e-12 {
				t.Errorf("HH'[%d,%d] = %f, want %f", i, j, prod.At(i, j), want)
			}
		}
	}
}
