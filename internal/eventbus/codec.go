package eventbus

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Events cross the socket as a stream of CBOR items using Core Deterministic
// Encoding, so the same event always has the same bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("eventbus: CBOR encoder initialization failed: " + err.Error())
	}
	// Unknown fields are ignored so older peers accept newer events.
	decMode, err = cbor.DecOptions{
		MaxNestedLevels: 4,
	}.DecMode()
	if err != nil {
		panic("eventbus: CBOR decoder initialization failed: " + err.Error())
	}
}

func newEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func newDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// Marshal encodes ev as a single CBOR item.
func Marshal(ev Event) ([]byte, error) {
	return encMode.Marshal(ev)
}

// Unmarshal decodes a single CBOR item into an Event.
func Unmarshal(data []byte) (Event, error) {
	var ev Event
	err := decMode.Unmarshal(data, &ev)
	return ev, err
}
