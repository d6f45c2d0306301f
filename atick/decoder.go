package atick

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// aTick manufacturer data frame (9 bytes minimum):
// - Byte 0: header/status byte
// - Bytes 1-4: counter A (float32, little endian)
// - Bytes 5-8: counter B (float32, little endian)
// - Byte 7 bit 0x10: set when the counter region is encrypted
//
// Encrypted frames XOR bytes 1-8 with a single key byte derived from the
// device MAC and PIN, and store each counter field with its 16-bit
// halves swapped (mid-little-endian).
const (
	minFrameLen  = 9
	counterStart = 1
	encFlagIndex = 7
	encFlagMask  = 0x10
)

// ServiceUUID is the aTick GATT service advertised by the meter. The
// address is the primary device key; this UUID re-confirms identity
// when the advertised name changes.
const ServiceUUID = "348634b0-efe4-11e4-b80c-0800200c9a66"

// Reading is one decoded counter value. Values are raw counts; display
// scaling is applied by the consumer, never here.
type Reading struct {
	Counter Counter
	Value   float64
	At      time.Time
}

// Readings holds the synchronized counter pair decoded from one frame
type Readings struct {
	A Reading
	B Reading
}

// Decoder decodes advertisement frames for a single meter. The device
// address seeds the decryption key, so a Decoder is bound to one device.
type Decoder struct {
	address string
	macSum  int
}

// NewDecoder creates a decoder for the meter at the given BLE address
// (format XX:XX:XX:XX:XX:XX)
func NewDecoder(address string) (*Decoder, error) {
	sum, err := macOctetSum(address)
	if err != nil {
		return nil, err
	}
	return &Decoder{address: strings.ToUpper(address), macSum: sum}, nil
}

// Decode extracts the counter pair from a raw advertisement payload.
// pin is the device PIN, empty when none is configured. at is the
// capture timestamp stamped onto both readings.
//
// The length check runs before any indexed access.
func (d *Decoder) Decode(payload []byte, pin string, at time.Time) (Readings, error) {
	if len(payload) < minFrameLen {
		return Readings{}, errors.Wrapf(ErrTooShort,
			"got %d bytes, need at least %d", len(payload), minFrameLen)
	}

	var a, b float64
	if d.isEncrypted(payload) {
		if pin == "" {
			return Readings{}, errors.Wrapf(ErrPinRequired, "device %s", d.address)
		}
		key, err := d.keyByte(pin)
		if err != nil {
			return Readings{}, err
		}
		a, b = decryptCounters(payload, key)
		if !countersValid(a, b) {
			return Readings{}, errors.Wrapf(ErrPinIncorrect,
				"decrypted counters out of range: a=%v b=%v", a, b)
		}
	} else {
		a = counterAt(payload, counterStart)
		b = counterAt(payload, counterStart+4)
		if !countersValid(a, b) {
			return Readings{}, errors.Wrapf(ErrMalformedFrame,
				"counters out of range: a=%v b=%v", a, b)
		}
	}

	return Readings{
		A: Reading{Counter: CounterA, Value: a, At: at},
		B: Reading{Counter: CounterB, Value: b, At: at},
	}, nil
}

func (d *Decoder) isEncrypted(payload []byte) bool {
	return payload[encFlagIndex]&encFlagMask != 0
}

// keyByte derives the XOR key: the byte sums of the MAC octets and the
// four PIN bytes, two's-complement negated
func (d *Decoder) keyByte(pin string) (byte, error) {
	p, err := strconv.ParseUint(pin, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(ErrPinIncorrect, "pin must be numeric, got %q", pin)
	}
	sum := d.macSum
	for i := 0; i < 4; i++ {
		sum += int((p >> (i * 8)) & 0xFF)
	}
	return byte(((sum ^ 0xFF) + 1) & 0xFF), nil
}

func counterAt(payload []byte, offset int) float64 {
	bits := binary.LittleEndian.Uint32(payload[offset : offset+4])
	return float64(math.Float32frombits(bits))
}

func decryptCounters(payload []byte, key byte) (float64, float64) {
	var plain [8]byte
	for i := range plain {
		plain[i] = payload[counterStart+i] ^ key
	}
	return counterFromMid(plain[0:4]), counterFromMid(plain[4:8])
}

// counterFromMid reads a float32 whose 16-bit halves are swapped on the
// wire: bytes [w0 w1 w2 w3] hold little-endian bytes [w2 w3 w0 w1]
func counterFromMid(w []byte) float64 {
	bits := binary.LittleEndian.Uint32([]byte{w[2], w[3], w[0], w[1]})
	return float64(math.Float32frombits(bits))
}

// countersValid rejects values a real meter cannot report. Running
// counts are finite and non-negative; anything else means a garbled
// frame or a wrong decryption key.
func countersValid(a, b float64) bool {
	for _, v := range [2]float64{a, b} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
	}
	return true
}

func macOctetSum(address string) (int, error) {
	parts := strings.Split(address, ":")
	if len(parts) != 6 {
		return 0, errors.Errorf("invalid MAC address %q", address)
	}
	sum := 0
	for _, part := range parts {
		octet, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return 0, errors.Errorf("invalid MAC address %q", address)
		}
		sum += int(octet)
	}
	return sum, nil
}
