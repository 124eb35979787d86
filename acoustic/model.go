package acoustic

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"

	"github.com/ieee0824/ivector-go/internal/mathutil"
)

// serializable types shared by the binary (msgpack) and text (JSON) formats
type serializedGaussian struct {
	Mean      []float64 `msgpack:"mean" json:"mean"`
	Variance  []float64 `msgpack:"variance" json:"variance"`
	LogWeight float64   `msgpack:"log_weight" json:"log_weight"`
}

type serializedDiagGMM struct {
	Dim        int                  `msgpack:"dim" json:"dim"`
	Components []serializedGaussian `msgpack:"components" json:"components"`
}

type serializedFullGMM struct {
	Dim       int         `msgpack:"dim" json:"dim"`
	Weights   []float64   `msgpack:"weights" json:"weights"`
	Means     [][]float64 `msgpack:"means" json:"means"`
	InvCovars [][]float64 `msgpack:"inv_covars" json:"inv_covars"` // packed lower triangles
}

// WriteDiagGMM serializes the model, msgpack when binary is true, indented
// JSON otherwise.
func WriteDiagGMM(w io.Writer, g *DiagGMM, binary bool) error {
	sm := serializedDiagGMM{
		Dim:        g.Dim,
		Components: make([]serializedGaussian, len(g.Components)),
	}
	for i, c := range g.Components {
		sm.Components[i] = serializedGaussian{
			Mean:      c.Mean,
			Variance:  c.Variance,
			LogWeight: c.LogWeight,
		}
	}
	if binary {
		return msgpack.NewEncoder(w).Encode(&sm)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(&sm)
}

// ReadDiagGMM deserializes a model written by WriteDiagGMM, detecting the
// format from the first byte.
func ReadDiagGMM(r io.Reader) (*DiagGMM, error) {
	br := bufio.NewReader(r)
	var sm serializedDiagGMM
	if err := decodeSniffed(br, &sm); err != nil {
		return nil, fmt.Errorf("read diagonal model: %w", err)
	}
	g := &DiagGMM{
		Components: make([]Gaussian, len(sm.Components)),
		Dim:        sm.Dim,
	}
	for i, c := range sm.Components {
		if len(c.Mean) != sm.Dim || len(c.Variance) != sm.Dim {
			return nil, fmt.Errorf("component %d: dimension mismatch", i)
		}
		g.Components[i] = Gaussian{
			Mean:      c.Mean,
			Variance:  c.Variance,
			LogWeight: c.LogWeight,
		}
	}
	g.PrecomputeSoA()
	return g, nil
}

// WriteFullGMM serializes the model, msgpack when binary is true, indented
// JSON otherwise.
func WriteFullGMM(w io.Writer, g *FullGMM, binary bool) error {
	k := len(g.Weights)
	dim := g.Dim()
	sm := serializedFullGMM{
		Dim:       dim,
		Weights:   g.Weights,
		Means:     make([][]float64, k),
		InvCovars: make([][]float64, k),
	}
	for c := 0; c < k; c++ {
		sm.Means[c] = g.Means.RawRowView(c)
		packed := make([]float64, mathutil.PackedLen(dim))
		mathutil.PackSym(g.InvCovars[c], packed)
		sm.InvCovars[c] = packed
	}
	if binary {
		return msgpack.NewEncoder(w).Encode(&sm)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(&sm)
}

// ReadFullGMM deserializes a model written by WriteFullGMM, detecting the
// format from the first byte.
func ReadFullGMM(r io.Reader) (*FullGMM, error) {
	br := bufio.NewReader(r)
	var sm serializedFullGMM
	if err := decodeSniffed(br, &sm); err != nil {
		return nil, fmt.Errorf("read full model: %w", err)
	}
	k := len(sm.Weights)
	if len(sm.Means) != k || len(sm.InvCovars) != k {
		return nil, fmt.Errorf("component count mismatch")
	}
	g := &FullGMM{
		Weights:   sm.Weights,
		Means:     mat.NewDense(k, sm.Dim, nil),
		InvCovars: make([]*mat.SymDense, k),
	}
	packedLen := mathutil.PackedLen(sm.Dim)
	for c := 0; c < k; c++ {
		if len(sm.Means[c]) != sm.Dim || len(sm.InvCovars[c]) != packedLen {
			return nil, fmt.Errorf("component %d: dimension mismatch", c)
		}
		g.Means.SetRow(c, sm.Means[c])
		s := mat.NewSymDense(sm.Dim, nil)
		mathutil.UnpackSym(sm.InvCovars[c], s)
		g.InvCovars[c] = s
	}
	if err := g.Precompute(); err != nil {
		return nil, err
	}
	return g, nil
}

// decodeSniffed decodes msgpack or JSON from br depending on the first byte.
func decodeSniffed(br *bufio.Reader, v any) error {
	b, err := br.Peek(1)
	if err != nil {
		return err
	}
	if looksLikeJSON(b[0]) {
		return json.NewDecoder(br).Decode(v)
	}
	return msgpack.NewDecoder(br).Decode(v)
}

func looksLikeJSON(b byte) bool {
	switch b {
	case '{', '[', ' ', '\t', '\r', '\n':
		return true
	}
	return false
}
