// Package validate holds the pure input checks applied at every boundary before any
// business logic runs.
package validate

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/model"
)

var (
	tagPattern       = regexp.MustCompile(`^[A-Za-z0-9]{4,32}$`)
	machineIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)

	once     sync.Once
	instance *validator.Validate
)

// Validator returns the shared validator with the rfidtag and machineid tags registered.
func Validator() *validator.Validate {
	once.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			switch name {
			case "-":
				return ""
			case "":
				return fld.Name
			}
			return name
		})
		_ = v.RegisterValidation("rfidtag", func(fl validator.FieldLevel) bool {
			return tagPattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("machineid", func(fl validator.FieldLevel) bool {
			return machineIDPattern.MatchString(fl.Field().String())
		})
		instance = v
	})
	return instance
}

// Struct validates a payload struct and reports the first failing field.
func Struct(v any) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		return apperr.ErrInvalidInput.WithMessage(fmt.Sprintf("invalid %s (%s)", fe.Field(), fe.Tag()))
	}
	return apperr.ErrInvalidInput.Wrap(err)
}

func Tag(tag string) error {
	if !tagPattern.MatchString(tag) {
		return apperr.ErrInvalidInput.WithMessage("invalid RFID tag")
	}
	return nil
}

func MachineID(id string) error {
	if !machineIDPattern.MatchString(id) {
		return apperr.ErrInvalidInput.WithMessage("invalid machine id")
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Timestamp parses RFC 3339, zone-less ISO 8601 (read as UTC), or unix seconds or
// milliseconds. The result is always UTC.
func Timestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, apperr.ErrInvalidInput.WithMessage("missing timestamp")
	}

	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		if n <= 0 || math.IsInf(n, 0) || math.IsNaN(n) {
			return time.Time{}, apperr.ErrInvalidInput.WithMessage("invalid timestamp")
		}
		if n >= 1e12 {
			return time.UnixMilli(int64(n)).UTC(), nil
		}
		sec, frac := math.Modf(n)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, apperr.ErrInvalidInput.WithMessage("invalid timestamp")
}

type Bounds struct {
	MinWeight float64
	MaxWeight float64
	MinCount  int
	MaxCount  int
}

// Reading checks that kind is known and value is usable. It returns ErrOutOfRange for
// values outside bounds so callers can tell a malformed reading from an implausible one.
func Reading(kind string, value float64, b Bounds) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return apperr.ErrInvalidInput.WithMessage("invalid reading")
	}
	switch kind {
	case model.ReadingWeight:
		if value < b.MinWeight || value > b.MaxWeight {
			return apperr.ErrOutOfRange.WithMessage(
				fmt.Sprintf("Weight %.1fg is outside %.1f-%.1fg", value, b.MinWeight, b.MaxWeight))
		}
	case model.ReadingCount:
		if value != math.Trunc(value) {
			return apperr.ErrInvalidInput.WithMessage("paper count must be a whole number")
		}
		if value < float64(b.MinCount) || value > float64(b.MaxCount) {
			return apperr.ErrOutOfRange.WithMessage(
				fmt.Sprintf("Paper count %d is outside %d-%d", int(value), b.MinCount, b.MaxCount))
		}
	default:
		return apperr.ErrInvalidInput.WithMessage("unknown reading kind")
	}
	return nil
}

// SensorHealth requires exactly the known sensor set, each reporting ok or error.
func SensorHealth(health map[string]string) error {
	if len(health) != len(model.Sensors) {
		return apperr.ErrInvalidInput.WithMessage("sensor health must report " + strings.Join(model.Sensors, ", "))
	}
	for _, name := range model.Sensors {
		status, ok := health[name]
		if !ok {
			return apperr.ErrInvalidInput.WithMessage("missing sensor " + name)
		}
		if status != model.SensorOK && status != model.SensorError {
			return apperr.ErrInvalidInput.WithMessage("invalid status for sensor " + name)
		}
	}
	return nil
}

// FailingSensors lists sensors not reporting ok, sorted.
func FailingSensors(health map[string]string) []string {
	var out []string
	for name, status := range health {
		if status != model.SensorOK {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
