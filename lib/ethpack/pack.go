// Package ethpack reproduces the tight argument packing the channel contract
// uses before hashing (abi.encodePacked), so that hashes computed off-chain
// match the ones the contract recovers signatures against.
package ethpack

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/xerrors"
)

// DefaultBits is the width used for integers packed without an explicit size.
const DefaultBits = 256

var (
	ErrUnsupportedFieldType = xerrors.New("unsupported field type")
	ErrEmptyField           = xerrors.New("empty field")
	ErrIntegerOverflow      = xerrors.New("integer does not fit bit width")
)

// Sized is an integer packed big-endian, two's complement, to Bits bits.
type Sized struct {
	Value *big.Int
	Bits  uint
}

// WithBits returns v packed to the given width.
func WithBits(v *big.Int, bits uint) Sized {
	return Sized{Value: v, Bits: bits}
}

// Uint32 packs v as a uint32, the width the contract uses for block numbers.
func Uint32(v uint64) Sized {
	return Sized{Value: new(big.Int).SetUint64(v), Bits: 32}
}

// Uint192 packs v as a uint192, the width of deposits and balances.
func Uint192(v *big.Int) Sized {
	return Sized{Value: v, Bits: 192}
}

// Pack concatenates fields in order:
//   - common.Address as its raw 20 bytes, common.Hash as its raw 32 bytes
//   - []byte verbatim
//   - Sized as a big-endian two's complement integer of Bits bits
//   - *big.Int and Go integer types as 256 bit integers, bool as 0 or 1
//   - "0x" prefixed strings hex-decoded, any other string UTF-8 encoded
//
// nil values and empty strings or byte slices are rejected with ErrEmptyField.
func Pack(fields ...interface{}) ([]byte, error) {
	var out []byte
	for i, f := range fields {
		b, err := packField(f)
		if err != nil {
			return nil, xerrors.Errorf("packing field %d: %w", i, err)
		}
		out = append(out, b...)
	}
	return out, nil
}

func packField(f interface{}) ([]byte, error) {
	switch v := f.(type) {
	case nil:
		return nil, ErrEmptyField
	case common.Address:
		return v.Bytes(), nil
	case *common.Address:
		if v == nil {
			return nil, ErrEmptyField
		}
		return v.Bytes(), nil
	case common.Hash:
		return v.Bytes(), nil
	case []byte:
		if len(v) == 0 {
			return nil, ErrEmptyField
		}
		return v, nil
	case string:
		return packString(v)
	case Sized:
		if v.Value == nil {
			return nil, ErrEmptyField
		}
		return EncodeInt(v.Value, v.Bits)
	case *big.Int:
		if v == nil {
			return nil, ErrEmptyField
		}
		return EncodeInt(v, DefaultBits)
	case bool:
		if v {
			return EncodeInt(big.NewInt(1), DefaultBits)
		}
		return EncodeInt(big.NewInt(0), DefaultBits)
	case int:
		return EncodeInt(big.NewInt(int64(v)), DefaultBits)
	case int64:
		return EncodeInt(big.NewInt(v), DefaultBits)
	case int32:
		return EncodeInt(big.NewInt(int64(v)), DefaultBits)
	case uint:
		return EncodeInt(new(big.Int).SetUint64(uint64(v)), DefaultBits)
	case uint64:
		return EncodeInt(new(big.Int).SetUint64(v), DefaultBits)
	case uint32:
		return EncodeInt(new(big.Int).SetUint64(uint64(v)), DefaultBits)
	default:
		return nil, xerrors.Errorf("%T: %w", f, ErrUnsupportedFieldType)
	}
}

func packString(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrEmptyField
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		b, err := hexutil.Decode("0x" + s[2:])
		if err != nil {
			return nil, xerrors.Errorf("decoding hex string: %w", err)
		}
		return b, nil
	}
	return []byte(s), nil
}

// EncodeInt encodes v as a big-endian two's complement integer of exactly
// bits/8 bytes. Negative values must fit the signed range of the width,
// non-negative values the unsigned range.
func EncodeInt(v *big.Int, bits uint) ([]byte, error) {
	if bits == 0 || bits%8 != 0 || bits > 256 {
		return nil, xerrors.Errorf("invalid bit width %d", bits)
	}

	size := int(bits / 8)
	limit := new(big.Int).Lsh(big.NewInt(1), bits)

	x := new(big.Int).Set(v)
	if x.Sign() < 0 {
		half := new(big.Int).Rsh(limit, 1)
		if x.CmpAbs(half) > 0 {
			return nil, xerrors.Errorf("%s in %d bits: %w", v, bits, ErrIntegerOverflow)
		}
		x.Add(x, limit)
	} else if x.Cmp(limit) >= 0 {
		return nil, xerrors.Errorf("%s in %d bits: %w", v, bits, ErrIntegerOverflow)
	}

	out := make([]byte, size)
	return x.FillBytes(out), nil
}
