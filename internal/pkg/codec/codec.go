package codec

import (
	"encoding/base64"
	"encoding/hex"
)

//DecodedPayload holds the result of decoding a transport encoded payload body
type DecodedPayload struct {
	Bytes    []byte
	Hex      string
	DecodeOK bool
}

//Decode decodes a standard base64 encoded payload body. A malformed body is
//not an error at this level: it returns DecodeOK false with an empty hex
//string, and the caller records the payload as a failing observation.
func Decode(data string) DecodedPayload {
	bytes, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return DecodedPayload{}
	}

	return DecodedPayload{
		Bytes:    bytes,
		Hex:      hex.EncodeToString(bytes),
		DecodeOK: true,
	}
}

//Classify reports whether the decoded bytes indicate a passing status.
//A payload passes if and only if it is exactly the single byte 0x01.
//This is strict equality over the whole sequence, not a check on the
//first byte or on nonzero values: empty, multi byte and any other value
//all classify as failing.
func Classify(bytes []byte) bool {
	return len(bytes) == 1 && bytes[0] == 0x01
}
