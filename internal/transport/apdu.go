package transport

import (
	"errors"
	"fmt"
)

// StatusOK is the status word of a successful response.
const StatusOK = 0x9000

// StatusError is a response whose status word is not StatusOK.
type StatusError struct {
	SW   uint16
	Data []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("apdu status 0x%04x", e.SW)
}

// ErrShortResponse is returned for a response without status word.
var ErrShortResponse = errors.New("apdu response shorter than status word")

// Command builds a short APDU: cla ins p1 p2 lc data.
func Command(cla, ins, p1, p2 byte, data []byte) ([]byte, error) {
	if len(data) > 0xff {
		return nil, fmt.Errorf("apdu data of %d bytes needs extended length", len(data))
	}
	b := make([]byte, 0, 5+len(data))
	b = append(b, cla, ins, p1, p2, byte(len(data)))
	return append(b, data...), nil
}

// SplitStatus separates the data from the trailing status word.
func SplitStatus(resp []byte) ([]byte, uint16, error) {
	if len(resp) < 2 {
		return nil, 0, ErrShortResponse
	}
	n := len(resp) - 2
	sw := uint16(resp[n])<<8 | uint16(resp[n+1])
	return resp[:n], sw, nil
}

// Check returns the response data, or a *StatusError when the status word
// is not StatusOK.
func Check(resp []byte) ([]byte, error) {
	data, sw, err := SplitStatus(resp)
	if err != nil {
		return nil, err
	}
	if sw != StatusOK {
		return data, &StatusError{SW: sw, Data: data}
	}
	return data, nil
}
