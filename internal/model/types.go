package model

import "math"

// Vec is a 3-D vector (positions, Gaussian means, gradients).
type Vec [3]float64

func (v Vec) Add(o Vec) Vec {
	return Vec{v[0] + o[0], v[1] + o[1], v[2] + o[2]}
}

func (v Vec) Sub(o Vec) Vec {
	return Vec{v[0] - o[0], v[1] - o[1], v[2] - o[2]}
}

func (v Vec) Scale(s float64) Vec {
	return Vec{s * v[0], s * v[1], s * v[2]}
}

func (v Vec) Dot(o Vec) float64 {
	return v[0]*o[0] + v[1]*o[1] + v[2]*o[2]
}

func (v Vec) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// Sym is a symmetric 3x3 matrix packed as [xx xy xz yy yz zz].
type Sym [6]float64

// Isotropic returns s2 times the identity.
func Isotropic(s2 float64) Sym {
	return Sym{s2, 0, 0, s2, 0, s2}
}

func (s Sym) Add(o Sym) Sym {
	for k := 0; k < 6; k++ {
		s[k] += o[k]
	}
	return s
}

// Det expands the determinant along the first row.
func (s Sym) Det() float64 {
	det := s[0] * (s[3]*s[5] - s[4]*s[4])
	det -= s[1] * (s[1]*s[5] - s[4]*s[2])
	det += s[2] * (s[1]*s[4] - s[3]*s[2])
	return det
}

// Inverse computes the analytic adjugate-over-determinant inverse.
// The caller guarantees a non-singular matrix; the hot path stays
// branch-free.
func (s Sym) Inverse() Sym {
	det := s.Det()
	return Sym{
		(s[3]*s[5] - s[4]*s[4]) / det,
		(s[2]*s[4] - s[1]*s[5]) / det,
		(s[1]*s[4] - s[2]*s[3]) / det,
		(s[0]*s[5] - s[2]*s[2]) / det,
		(s[2]*s[1] - s[0]*s[4]) / det,
		(s[0]*s[3] - s[1]*s[1]) / det,
	}
}

// MulVec applies the matrix to v.
func (s Sym) MulVec(v Vec) Vec {
	return Vec{
		v[0]*s[0] + v[1]*s[1] + v[2]*s[2],
		v[0]*s[1] + v[1]*s[3] + v[2]*s[4],
		v[0]*s[2] + v[1]*s[4] + v[2]*s[5],
	}
}

// Quadratic evaluates v' S v.
func (s Sym) Quadratic(v Vec) float64 {
	return v.Dot(s.MulVec(v))
}

// PositiveDefinite applies Sylvester's criterion through the three
// leading principal minors.
func (s Sym) PositiveDefinite() bool {
	pm1 := s[0]
	pm2 := s[0]*s[3] - s[1]*s[1]
	pm3 := s.Det()
	return pm1 > 0 && pm2 > 0 && pm3 > 0
}

// Mat is a dense 3x3 matrix used for the virial contribution.
type Mat [3][3]float64

// AddOuter accumulates the outer product a b'.
func (m *Mat) AddOuter(a, b Vec) {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] += a[i] * b[j]
		}
	}
}

// Flatten copies the matrix into a 9-element row-major slice.
func (m Mat) Flatten(dst []float64) {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dst[3*i+j] = m[i][j]
		}
	}
}

// Unflatten restores the matrix from a 9-element row-major slice.
func (m *Mat) Unflatten(src []float64) {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = src[3*i+j]
		}
	}
}

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// ComponentRecord is one pre-parsed data-GMM table row.
type ComponentRecord struct {
	ID     int
	Weight float64
	Mean   Vec
	Cov    Sym
	Beta   int
}

// ErrorRecord carries one or more experimental error magnitudes for a
// data component.
type ErrorRecord struct {
	ID     int
	Errors []float64
}

// Checkpoint is one persisted uncertainty snapshot. Records are append
// only; on restart the newest record per component wins.
type Checkpoint struct {
	VersionedRecord
	SimTime float64   `json:"sim_time"`
	Sigma   []float64 `json:"sigma"`
}
