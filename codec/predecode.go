package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"

	"github.com/c360/protogate/config"
	"github.com/c360/protogate/errors"
)

var cborDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// PreDecode undoes the named transport encoding. An empty kind passes the
// payload through. CBOR is re-encoded as JSON so JSON decoders can read it.
func PreDecode(kind string, payload []byte) ([]byte, error) {
	switch kind {
	case config.DecoderNone:
		return payload, nil
	case config.DecoderUTF8:
		if !utf8.Valid(payload) {
			return nil, invalid("utf8", "payload is not valid UTF-8")
		}
		return payload, nil
	case config.DecoderHex:
		if payload == nil {
			return nil, nil
		}
		out, err := hex.DecodeString(string(bytes.TrimSpace(payload)))
		if err != nil {
			return nil, invalid("hex", err.Error())
		}
		return out, nil
	case config.DecoderBase64:
		if payload == nil {
			return nil, nil
		}
		trimmed := bytes.TrimSpace(payload)
		out, err := base64.StdEncoding.DecodeString(string(trimmed))
		if err != nil {
			out, err = base64.RawStdEncoding.DecodeString(string(trimmed))
		}
		if err != nil {
			return nil, invalid("base64", err.Error())
		}
		return out, nil
	case config.DecoderCBOR:
		if payload == nil {
			return nil, nil
		}
		var v any
		if err := cborDecMode.Unmarshal(payload, &v); err != nil {
			return nil, invalid("cbor", err.Error())
		}
		out, err := json.Marshal(v)
		if err != nil {
			return nil, invalid("cbor", err.Error())
		}
		return out, nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: pre-decoding %q", errors.ErrInvalidConfig, kind),
			"codec", "PreDecode", "select pre-decoding")
	}
}

func invalid(kind, reason string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrParsingFailed, reason),
		"codec", "PreDecode", kind+" pre-decoding")
}
