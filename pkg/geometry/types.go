// Package geometry provides the point and transform types shared by the
// matching and alignment packages.
package geometry

import (
	"math"
)

// Point2D is an image-pixel or world coordinate with sub-pixel precision.
type Point2D struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// NewPoint2D creates a new Point2D.
func NewPoint2D(x, y float64) Point2D {
	return Point2D{X: x, Y: y}
}

// Distance returns the Euclidean distance to another point.
func (p Point2D) Distance(other Point2D) float64 {
	return math.Hypot(p.X-other.X, p.Y-other.Y)
}

// Add returns the sum of two points.
func (p Point2D) Add(other Point2D) Point2D {
	return Point2D{X: p.X + other.X, Y: p.Y + other.Y}
}

// Sub returns the difference of two points.
func (p Point2D) Sub(other Point2D) Point2D {
	return Point2D{X: p.X - other.X, Y: p.Y - other.Y}
}

// Rect is an axis-aligned rectangle.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Contains returns true if the point is inside the rectangle (right/bottom edges excluded).
func (r Rect) Contains(p Point2D) bool {
	return p.X >= r.X && p.X < r.X+r.Width &&
		p.Y >= r.Y && p.Y < r.Y+r.Height
}

// AffineTransform represents a 2x3 affine transformation matrix.
// [a b tx]
// [c d ty]
type AffineTransform struct {
	A, B, TX float64
	C, D, TY float64
}

// Identity returns the identity transform.
func Identity() AffineTransform {
	return AffineTransform{A: 1, D: 1}
}

// Apply applies the transform to a point.
func (t AffineTransform) Apply(p Point2D) Point2D {
	return Point2D{
		X: t.A*p.X + t.B*p.Y + t.TX,
		Y: t.C*p.X + t.D*p.Y + t.TY,
	}
}

// Compose returns this transform composed with another (this * other).
func (t AffineTransform) Compose(other AffineTransform) AffineTransform {
	return AffineTransform{
		A:  t.A*other.A + t.B*other.C,
		B:  t.A*other.B + t.B*other.D,
		TX: t.A*other.TX + t.B*other.TY + t.TX,
		C:  t.C*other.A + t.D*other.C,
		D:  t.C*other.B + t.D*other.D,
		TY: t.C*other.TX + t.D*other.TY + t.TY,
	}
}

// Inverse returns the inverse transform, if it exists.
func (t AffineTransform) Inverse() (AffineTransform, bool) {
	det := t.A*t.D - t.B*t.C
	if math.Abs(det) < 1e-10 {
		return AffineTransform{}, false
	}

	invDet := 1.0 / det
	return AffineTransform{
		A:  t.D * invDet,
		B:  -t.B * invDet,
		TX: (t.B*t.TY - t.D*t.TX) * invDet,
		C:  -t.C * invDet,
		D:  t.A * invDet,
		TY: (t.C*t.TX - t.A*t.TY) * invDet,
	}, true
}

// RigidTransform is a Euclidean motion: rotation by Theta (radians) about the
// origin followed by translation (TX, TY). It maps source-image coordinates
// into the reference frame and never carries scale or shear.
type RigidTransform struct {
	Theta float64 `json:"theta" yaml:"theta"`
	TX    float64 `json:"tx" yaml:"tx"`
	TY    float64 `json:"ty" yaml:"ty"`
}

// NewRigidTransform creates a RigidTransform.
func NewRigidTransform(theta, tx, ty float64) RigidTransform {
	return RigidTransform{Theta: theta, TX: tx, TY: ty}
}

// Apply maps a source point into the reference frame.
func (r RigidTransform) Apply(p Point2D) Point2D {
	sin, cos := math.Sincos(r.Theta)
	return Point2D{
		X: cos*p.X - sin*p.Y + r.TX,
		Y: sin*p.X + cos*p.Y + r.TY,
	}
}

// Inverse returns the transform mapping the reference frame back to the source.
func (r RigidTransform) Inverse() RigidTransform {
	sin, cos := math.Sincos(r.Theta)
	return RigidTransform{
		Theta: -r.Theta,
		TX:    -(cos*r.TX + sin*r.TY),
		TY:    -(-sin*r.TX + cos*r.TY),
	}
}

// Affine returns the equivalent 2x3 matrix, for warping.
func (r RigidTransform) Affine() AffineTransform {
	sin, cos := math.Sincos(r.Theta)
	return AffineTransform{
		A: cos, B: -sin, TX: r.TX,
		C: sin, D: cos, TY: r.TY,
	}
}

// Residual returns the distance between the mapped source point and dst.
func (r RigidTransform) Residual(src, dst Point2D) float64 {
	return r.Apply(src).Distance(dst)
}

// Centroid computes the centroid (average position) of a set of points.
func Centroid(points []Point2D) Point2D {
	if len(points) == 0 {
		return Point2D{}
	}
	var sumX, sumY float64
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
	}
	n := float64(len(points))
	return Point2D{X: sumX / n, Y: sumY / n}
}
