// Package tensor holds the daemon's in-memory tensor representation and its
// JSON wire codec. Tensors travel as {"dtype": ..., "shape": [...], "data":
// <base64 of raw little-endian contiguous bytes>} and round-trip bitwise.
package tensor

import (
	"fmt"
	"math"

	"github.com/antonpaquin/citrine/internal/derrors"
)

// DType names a supported element type
type DType string

const (
	Int8     DType = "int8"
	Int16    DType = "int16"
	Int32    DType = "int32"
	Int64    DType = "int64"
	Uint8    DType = "uint8"
	Uint16   DType = "uint16"
	Uint32   DType = "uint32"
	Uint64   DType = "uint64"
	Float16  DType = "float16"
	Float32  DType = "float32"
	Float64  DType = "float64"
	Float128 DType = "float128"
)

type kind int

const (
	kindInt kind = iota
	kindUint
	kindFloat
)

type dtypeInfo struct {
	size int
	kind kind
}

var dtypes = map[DType]dtypeInfo{
	Int8:     {1, kindInt},
	Int16:    {2, kindInt},
	Int32:    {4, kindInt},
	Int64:    {8, kindInt},
	Uint8:    {1, kindUint},
	Uint16:   {2, kindUint},
	Uint32:   {4, kindUint},
	Uint64:   {8, kindUint},
	Float16:  {2, kindFloat},
	Float32:  {4, kindFloat},
	Float64:  {8, kindFloat},
	Float128: {16, kindFloat},
}

// Size returns the element width in bytes, or 0 for unknown dtypes
func (d DType) Size() int {
	return dtypes[d].size
}

// Valid reports whether the dtype is supported
func (d DType) Valid() bool {
	_, ok := dtypes[d]
	return ok
}

// Tensor is a dense array: a dtype, a shape, and the raw little-endian
// contiguous element bytes.
type Tensor struct {
	DType DType
	Shape []int64
	Data  []byte
}

// New builds a tensor after checking that the buffer length matches the
// declared dtype and shape.
func New(dtype DType, shape []int64, data []byte) (*Tensor, error) {
	info, ok := dtypes[dtype]
	if !ok {
		return nil, derrors.Newf(derrors.InvalidTensor, "unsupported dtype %q", dtype)
	}
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != n*int64(info.size) {
		return nil, derrors.Newf(derrors.InvalidTensor,
			"tensor data holds %d bytes, but dtype %s with shape %v needs %d",
			len(data), dtype, shape, n*int64(info.size))
	}
	return &Tensor{DType: dtype, Shape: shape, Data: data}, nil
}

// NumElements returns the element count implied by the shape
func (t *Tensor) NumElements() int64 {
	n, _ := numElements(t.Shape)
	return n
}

func numElements(shape []int64) (int64, error) {
	n := int64(1)
	for _, dim := range shape {
		if dim < 0 {
			return 0, derrors.Newf(derrors.InvalidTensor, "negative dimension %d in shape", dim)
		}
		n *= dim
	}
	return n, nil
}

// Equal reports bitwise equality of dtype, shape and data
func (t *Tensor) Equal(other *Tensor) bool {
	if t.DType != other.DType || len(t.Shape) != len(other.Shape) || len(t.Data) != len(other.Data) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	for i := range t.Data {
		if t.Data[i] != other.Data[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("tensor(%s, %v, %d bytes)", t.DType, t.Shape, len(t.Data))
}

// FromValues builds a tensor from float64 values, converting each into the
// target dtype's binary representation. float128 has no numeric bridge in Go
// and is rejected here; it can still be carried as raw bytes via New.
func FromValues(dtype DType, shape []int64, values []float64) (*Tensor, error) {
	info, ok := dtypes[dtype]
	if !ok {
		return nil, derrors.Newf(derrors.InvalidTensor, "unsupported dtype %q", dtype)
	}
	if dtype == Float128 {
		return nil, derrors.New(derrors.InvalidTensor, "float128 tensors can only be built from raw bytes")
	}
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	if int64(len(values)) != n {
		return nil, derrors.Newf(derrors.InvalidTensor,
			"got %d values for shape %v, expected %d", len(values), shape, n)
	}
	data := make([]byte, len(values)*info.size)
	for i, v := range values {
		putElement(data[i*info.size:], dtype, v)
	}
	return &Tensor{DType: dtype, Shape: shape, Data: data}, nil
}

// Values reads the tensor back as float64s. Integer dtypes wider than 53 bits
// may lose precision; float128 is rejected.
func (t *Tensor) Values() ([]float64, error) {
	if t.DType == Float128 {
		return nil, derrors.New(derrors.InvalidTensor, "float128 tensors have no numeric view")
	}
	info := dtypes[t.DType]
	n := len(t.Data) / info.size
	values := make([]float64, n)
	for i := 0; i < n; i++ {
		values[i] = getElement(t.Data[i*info.size:], t.DType)
	}
	return values, nil
}

// ConvertTo returns a copy of the tensor re-encoded with the target dtype.
// Conversion goes through float64, which is exact for every supported dtype
// narrower than 64 bits. Same-dtype conversion returns the tensor unchanged.
func (t *Tensor) ConvertTo(dtype DType) (*Tensor, error) {
	if dtype == t.DType {
		return t, nil
	}
	if !dtype.Valid() {
		return nil, derrors.Newf(derrors.InvalidTensor, "unsupported dtype %q", dtype)
	}
	if t.DType == Float128 || dtype == Float128 {
		return nil, derrors.Newf(derrors.InvalidTensor, "cannot convert between %s and %s", t.DType, dtype)
	}
	values, err := t.Values()
	if err != nil {
		return nil, err
	}
	return FromValues(dtype, t.Shape, values)
}

func putElement(buf []byte, dtype DType, v float64) {
	switch dtype {
	case Int8:
		buf[0] = byte(int8(v))
	case Uint8:
		buf[0] = byte(uint8(v))
	case Int16:
		putUint16(buf, uint16(int16(v)))
	case Uint16:
		putUint16(buf, uint16(v))
	case Int32:
		putUint32(buf, uint32(int32(v)))
	case Uint32:
		putUint32(buf, uint32(v))
	case Int64:
		putUint64(buf, uint64(int64(v)))
	case Uint64:
		putUint64(buf, uint64(v))
	case Float16:
		putUint16(buf, float16FromFloat32(float32(v)))
	case Float32:
		putUint32(buf, math.Float32bits(float32(v)))
	case Float64:
		putUint64(buf, math.Float64bits(v))
	}
}

func getElement(buf []byte, dtype DType) float64 {
	switch dtype {
	case Int8:
		return float64(int8(buf[0]))
	case Uint8:
		return float64(buf[0])
	case Int16:
		return float64(int16(getUint16(buf)))
	case Uint16:
		return float64(getUint16(buf))
	case Int32:
		return float64(int32(getUint32(buf)))
	case Uint32:
		return float64(getUint32(buf))
	case Int64:
		return float64(int64(getUint64(buf)))
	case Uint64:
		return float64(getUint64(buf))
	case Float16:
		return float64(float16ToFloat32(getUint16(buf)))
	case Float32:
		return float64(math.Float32frombits(getUint32(buf)))
	case Float64:
		return math.Float64frombits(getUint64(buf))
	}
	return 0
}

func putUint16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putUint64(b []byte, v uint64) {
	putUint32(b, uint32(v))
	putUint32(b[4:], uint32(v>>32))
}

func getUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func getUint64(b []byte) uint64 {
	return uint64(getUint32(b)) | uint64(getUint32(b[4:]))<<32
}

// float16FromFloat32 converts to IEEE 754 binary16, rounding to nearest even
func float16FromFloat32(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32(bits>>23&0xff) - 127 + 15
	mant := bits & 0x7fffff

	if exp >= 0x1f {
		// Overflow to infinity; NaN keeps a mantissa bit
		if exp == 0xff-127+15 && mant != 0 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	}
	if exp <= 0 {
		if exp < -10 {
			return sign
		}
		// Subnormal
		mant |= 0x800000
		shift := uint32(14 - exp)
		half := uint16(mant >> shift)
		if mant>>(shift-1)&1 != 0 {
			half++
		}
		return sign | half
	}
	half := sign | uint16(exp)<<10 | uint16(mant>>13)
	if mant&0x1000 != 0 {
		half++
	}
	return half
}

// float16ToFloat32 expands IEEE 754 binary16 to binary32
func float16ToFloat32(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h >> 10 & 0x1f)
	mant := uint32(h & 0x3ff)

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// Subnormal: normalize
		for mant&0x400 == 0 {
			mant <<= 1
			exp--
		}
		exp++
		mant &= 0x3ff
		return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
	case 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | mant<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
	}
}
