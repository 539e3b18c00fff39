package cborutil

import (
	"bytes"
	"encoding/hex"
	"io"

	"github.com/fxamacker/cbor/v2"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("cborrrpc")

const Debug = false

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	if Debug {
		log.Warn("CBOR-RPC Debugging enabled")
	}

	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("cborutil: encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 24,
		MaxMapPairs:      1 << 24,
	}.DecMode()
	if err != nil {
		panic("cborutil: decoder initialization failed: " + err.Error())
	}
}

func WriteCborRPC(w io.Writer, obj interface{}) error {
	data, err := encMode.Marshal(obj)
	if err != nil {
		return err
	}

	if Debug {
		log.Infof("> %s", hex.EncodeToString(data))
	}

	_, err = w.Write(data)
	return err
}

// Dump encodes obj with core deterministic encoding; equal values always
// produce equal bytes.
func Dump(obj interface{}) ([]byte, error) {
	var out bytes.Buffer
	if err := WriteCborRPC(&out, obj); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func Load(data []byte, out interface{}) error {
	return decMode.Unmarshal(data, out)
}

func Equals(a interface{}, b interface{}) (bool, error) {
	ab, err := Dump(a)
	if err != nil {
		return false, err
	}
	bb, err := Dump(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}
