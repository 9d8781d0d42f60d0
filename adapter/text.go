package adapter

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/FerroO2000/robocomm/envelope"
	"github.com/FerroO2000/robocomm/geometry"
	"github.com/FerroO2000/robocomm/msgs"
)

// TextLocalization decodes a localization encoded as the text "x,y,theta".
// Fields can also be separated by white spaces, as sent by the simulator.
type TextLocalization struct{}

// NewTextLocalization returns a new text localization adapter.
func NewTextLocalization() *TextLocalization {
	return &TextLocalization{}
}

func isFieldSeparator(r rune) bool {
	return r == ',' || r == ';' || unicode.IsSpace(r)
}

// Adapt decodes the envelope.
func (*TextLocalization) Adapt(env *envelope.Envelope) (msgs.Localization, error) {
	fields := strings.FieldsFunc(string(env.Payload()), isFieldSeparator)
	if len(fields) != 3 {
		return msgs.Localization{}, NewDecodeError(env, fmt.Errorf("expected 3 fields, got %d", len(fields)))
	}

	values := [3]float64{}
	for idx, field := range fields {
		val, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return msgs.Localization{}, NewDecodeError(env, err)
		}
		values[idx] = val
	}

	if err := checkFinite(map[string]float64{"x": values[0], "y": values[1], "theta": values[2]}); err != nil {
		return msgs.Localization{}, NewDecodeError(env, err)
	}

	return msgs.Localization{
		Pose:  geometry.NewPose(values[0], values[1], values[2]),
		Stamp: env.ReceiveTime(),
	}, nil
}
