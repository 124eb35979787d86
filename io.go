package ivector

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"

	"github.com/ieee0824/ivector-go/internal/mathutil"
)

// serializable types shared by the binary (msgpack) and text (JSON) formats.
// Only the model parameters are stored; derived quantities are recomputed on
// read.
type serializedExtractor struct {
	FeatDim     int         `msgpack:"feat_dim" json:"feat_dim"`
	IvectorDim  int         `msgpack:"ivector_dim" json:"ivector_dim"`
	NumIters    int         `msgpack:"num_iters" json:"num_iters"`
	PriorOffset float64     `msgpack:"prior_offset" json:"prior_offset"`
	W           [][]float64 `msgpack:"w,omitempty" json:"w,omitempty"`
	WVec        []float64   `msgpack:"w_vec,omitempty" json:"w_vec,omitempty"`
	M           [][]float64 `msgpack:"m" json:"m"`                 // row-major D×S per component
	SigmaInv    [][]float64 `msgpack:"sigma_inv" json:"sigma_inv"` // packed lower triangles
}

type serializedStats struct {
	UpdateVariances      bool `msgpack:"update_variances" json:"update_variances"`
	ComputeAuxf          bool `msgpack:"compute_auxf" json:"compute_auxf"`
	NumSamplesForWeights int  `msgpack:"num_samples_for_weights" json:"num_samples_for_weights"`
	CacheSize            int  `msgpack:"cache_size" json:"cache_size"`

	FeatDim        int         `msgpack:"feat_dim" json:"feat_dim"`
	IvectorDim     int         `msgpack:"ivector_dim" json:"ivector_dim"`
	TotAuxf        float64     `msgpack:"tot_auxf" json:"tot_auxf"`
	Gamma          []float64   `msgpack:"gamma" json:"gamma"`
	Y              [][]float64 `msgpack:"y" json:"y"` // row-major D×S per component
	R              [][]float64 `msgpack:"r" json:"r"` // packed lower triangles
	Q              [][]float64 `msgpack:"q,omitempty" json:"q,omitempty"`
	G              [][]float64 `msgpack:"g,omitempty" json:"g,omitempty"`
	Sigma          [][]float64 `msgpack:"sigma,omitempty" json:"sigma,omitempty"`
	NumIvectors    float64     `msgpack:"num_ivectors" json:"num_ivectors"`
	IvectorSum     []float64   `msgpack:"ivector_sum" json:"ivector_sum"`
	IvectorScatter []float64   `msgpack:"ivector_scatter" json:"ivector_scatter"`
}

// Write serializes the model, msgpack when binary is true, indented JSON
// otherwise.
func (e *Extractor) Write(w io.Writer, binary bool) error {
	numGauss := e.NumGauss()
	featDim := e.FeatDim()
	ivectorDim := e.IvectorDim()
	sm := serializedExtractor{
		FeatDim:     featDim,
		IvectorDim:  ivectorDim,
		NumIters:    e.numIters,
		PriorOffset: e.PriorOffset,
		WVec:        e.WVec,
		M:           make([][]float64, numGauss),
		SigmaInv:    make([][]float64, numGauss),
	}
	if e.W != nil {
		sm.W = make([][]float64, numGauss)
		for i := range sm.W {
			sm.W[i] = e.W.RawRowView(i)
		}
	}
	for i := 0; i < numGauss; i++ {
		m := make([]float64, 0, featDim*ivectorDim)
		for r := 0; r < featDim; r++ {
			m = append(m, e.M[i].RawRowView(r)...)
		}
		sm.M[i] = m
		packed := make([]float64, mathutil.PackedLen(featDim))
		mathutil.PackSym(e.SigmaInv[i], packed)
		sm.SigmaInv[i] = packed
	}
	if binary {
		return msgpack.NewEncoder(w).Encode(&sm)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(&sm)
}

// ReadExtractor deserializes a model written by Write, detecting the format
// from the first byte, and recomputes the derived quantities.
func ReadExtractor(r io.Reader) (*Extractor, error) {
	br := bufio.NewReader(r)
	var sm serializedExtractor
	if err := decodeSniffed(br, &sm); err != nil {
		return nil, fmt.Errorf("read extractor: %w", err)
	}
	numGauss := len(sm.M)
	if numGauss == 0 {
		return nil, fmt.Errorf("extractor has no components")
	}
	if len(sm.SigmaInv) != numGauss {
		return nil, fmt.Errorf("component count mismatch")
	}
	if sm.NumIters < 1 {
		return nil, fmt.Errorf("invalid estimation iteration count %d", sm.NumIters)
	}
	if (len(sm.W) > 0) == (len(sm.WVec) > 0) {
		return nil, fmt.Errorf("extractor needs either a weight projection or static weights")
	}
	e := &Extractor{
		WVec:        sm.WVec,
		M:           make([]*mat.Dense, numGauss),
		SigmaInv:    make([]*mat.SymDense, numGauss),
		PriorOffset: sm.PriorOffset,
		numIters:    sm.NumIters,
	}
	if len(sm.W) > 0 {
		if len(sm.W) != numGauss {
			return nil, fmt.Errorf("weight projection has %d rows for %d components", len(sm.W), numGauss)
		}
		e.W = mat.NewDense(numGauss, sm.IvectorDim, nil)
		for i, row := range sm.W {
			if len(row) != sm.IvectorDim {
				return nil, fmt.Errorf("weight projection row %d: dimension mismatch", i)
			}
			e.W.SetRow(i, row)
		}
	} else if len(sm.WVec) != numGauss {
		return nil, fmt.Errorf("static weights have length %d for %d components", len(sm.WVec), numGauss)
	}
	packedLen := mathutil.PackedLen(sm.FeatDim)
	for i := 0; i < numGauss; i++ {
		if len(sm.M[i]) != sm.FeatDim*sm.IvectorDim || len(sm.SigmaInv[i]) != packedLen {
			return nil, fmt.Errorf("component %d: dimension mismatch", i)
		}
		e.M[i] = mat.NewDense(sm.FeatDim, sm.IvectorDim, sm.M[i])
		si := mat.NewSymDense(sm.FeatDim, nil)
		mathutil.UnpackSym(sm.SigmaInv[i], si)
		e.SigmaInv[i] = si
	}
	if err := e.ComputeDerivedVars(); err != nil {
		return nil, err
	}
	return e, nil
}

// Write serializes the accumulated statistics, msgpack when binary is true,
// indented JSON otherwise. The cache is flushed first so the stream carries
// every committed utterance.
func (s *Stats) Write(w io.Writer, binary bool) error {
	s.FlushCache()
	numGauss := len(s.gamma)
	featDim, ivectorDim := s.y[0].Dims()
	sm := serializedStats{
		UpdateVariances:      s.sigma != nil,
		ComputeAuxf:          s.opts.ComputeAuxf,
		NumSamplesForWeights: s.opts.NumSamplesForWeights,
		CacheSize:            s.opts.CacheSize,
		FeatDim:              featDim,
		IvectorDim:           ivectorDim,
		TotAuxf:              s.totAuxf,
		Gamma:                s.gamma,
		Y:                    make([][]float64, numGauss),
		R:                    make([][]float64, numGauss),
		NumIvectors:          s.numIvectors,
		IvectorSum:           s.ivectorSum,
		IvectorScatter:       make([]float64, mathutil.PackedLen(ivectorDim)),
	}
	for i := 0; i < numGauss; i++ {
		y := make([]float64, 0, featDim*ivectorDim)
		for r := 0; r < featDim; r++ {
			y = append(y, s.y[i].RawRowView(r)...)
		}
		sm.Y[i] = y
		sm.R[i] = s.r.RawRowView(i)
	}
	if s.q != nil {
		sm.Q = make([][]float64, numGauss)
		sm.G = make([][]float64, numGauss)
		for i := 0; i < numGauss; i++ {
			sm.Q[i] = s.q.RawRowView(i)
			sm.G[i] = s.g.RawRowView(i)
		}
	}
	if s.sigma != nil {
		sm.Sigma = make([][]float64, numGauss)
		for i := 0; i < numGauss; i++ {
			packed := make([]float64, mathutil.PackedLen(featDim))
			mathutil.PackSym(s.sigma[i], packed)
			sm.Sigma[i] = packed
		}
	}
	mathutil.PackSym(s.ivectorScatter, sm.IvectorScatter)
	if binary {
		return msgpack.NewEncoder(w).Encode(&sm)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(&sm)
}

// ReadStats deserializes statistics written by Write, detecting the format
// from the first byte. The result is a functional accumulator: it can keep
// accumulating, be merged, and drive an update.
func ReadStats(r io.Reader) (*Stats, error) {
	br := bufio.NewReader(r)
	var sm serializedStats
	if err := decodeSniffed(br, &sm); err != nil {
		return nil, fmt.Errorf("read ivector stats: %w", err)
	}
	opts := StatsOptions{
		UpdateVariances:      sm.UpdateVariances,
		ComputeAuxf:          sm.ComputeAuxf,
		NumSamplesForWeights: sm.NumSamplesForWeights,
		CacheSize:            sm.CacheSize,
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("read ivector stats: %w", err)
	}
	numGauss := len(sm.Gamma)
	if numGauss == 0 {
		return nil, fmt.Errorf("stats have no components")
	}
	if len(sm.Y) != numGauss || len(sm.R) != numGauss {
		return nil, fmt.Errorf("component count mismatch")
	}
	if (len(sm.Q) > 0) != (len(sm.G) > 0) {
		return nil, fmt.Errorf("weight stats require both linear and quadratic terms")
	}
	packedIvec := mathutil.PackedLen(sm.IvectorDim)
	packedFeat := mathutil.PackedLen(sm.FeatDim)
	if len(sm.IvectorSum) != sm.IvectorDim || len(sm.IvectorScatter) != packedIvec {
		return nil, fmt.Errorf("prior stats: dimension mismatch")
	}

	s := &Stats{
		opts:           opts,
		logger:         slog.Default().With("component", "ivector"),
		totAuxf:        sm.TotAuxf,
		gamma:          sm.Gamma,
		y:              make([]*mat.Dense, numGauss),
		r:              mat.NewDense(numGauss, packedIvec, nil),
		rGammaCache:    mat.NewDense(opts.CacheSize, numGauss, nil),
		rScatterCache:  mat.NewDense(opts.CacheSize, packedIvec, nil),
		numIvectors:    sm.NumIvectors,
		ivectorSum:     sm.IvectorSum,
		ivectorScatter: mat.NewSymDense(sm.IvectorDim, nil),
	}
	for i := 0; i < numGauss; i++ {
		if len(sm.Y[i]) != sm.FeatDim*sm.IvectorDim || len(sm.R[i]) != packedIvec {
			return nil, fmt.Errorf("component %d: dimension mismatch", i)
		}
		s.y[i] = mat.NewDense(sm.FeatDim, sm.IvectorDim, sm.Y[i])
		s.r.SetRow(i, sm.R[i])
	}
	if len(sm.Q) > 0 {
		if len(sm.Q) != numGauss || len(sm.G) != numGauss {
			return nil, fmt.Errorf("weight stats: component count mismatch")
		}
		s.q = mat.NewDense(numGauss, packedIvec, nil)
		s.g = mat.NewDense(numGauss, sm.IvectorDim, nil)
		for i := 0; i < numGauss; i++ {
			if len(sm.Q[i]) != packedIvec || len(sm.G[i]) != sm.IvectorDim {
				return nil, fmt.Errorf("weight stats component %d: dimension mismatch", i)
			}
			s.q.SetRow(i, sm.Q[i])
			s.g.SetRow(i, sm.G[i])
		}
	}
	if opts.UpdateVariances {
		if len(sm.Sigma) != numGauss {
			return nil, fmt.Errorf("variance stats: component count mismatch")
		}
		s.sigma = make([]*mat.SymDense, numGauss)
		for i := 0; i < numGauss; i++ {
			if len(sm.Sigma[i]) != packedFeat {
				return nil, fmt.Errorf("variance stats component %d: dimension mismatch", i)
			}
			s.sigma[i] = mat.NewSymDense(sm.FeatDim, nil)
			mathutil.UnpackSym(sm.Sigma[i], s.sigma[i])
		}
	}
	mathutil.UnpackSym(sm.IvectorScatter, s.ivectorScatter)
	return s, nil
}

// ReadAdd reads statistics from r and merges them into s, for combining
// stats accumulated by separate jobs.
func (s *Stats) ReadAdd(r io.Reader) error {
	other, err := ReadStats(r)
	if err != nil {
		return err
	}
	return s.Add(other)
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
