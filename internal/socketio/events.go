package socketio

import (
	"encoding/json"
	"errors"

	"kiosk-hub/internal/apperr"
	"kiosk-hub/internal/fleet"
	"kiosk-hub/internal/validate"
)

// Event names on the wire.
const (
	EventMachineRegister        = "machine:register"
	EventMachineRegisterSuccess = "machine:register:success"
	EventMachineRegisterError   = "machine:register:error"
	EventMachineStatus          = "machine:status"
	EventMachineCommand         = "machine:command"
	EventScanRequest            = "rfid:scan_request"
	EventScanResult             = "rfid:scan_result"
	EventScanCancel             = "rfid:scan_cancel"
	EventDispenseAck            = "redemption:dispense:ack"
	EventDispenseComplete       = "redemption:dispense:complete"
	EventDispenseError          = "redemption:dispense:error"
	EventSensorData             = "sensor:data"
	EventTransactionUpdate      = "transaction:update"
	EventPing                   = "ping"
	EventPong                   = "pong"
	EventError                  = "error"
)

type registerEvent struct {
	MachineID     string `json:"machineId" validate:"required,machineid"`
	MachineSecret string `json:"machineSecret" validate:"required,max=256"`
}

// statusEvent carries a heartbeat. The machine id always comes from the registered
// connection, never from the payload.
type statusEvent struct {
	fleet.HeartbeatInput
}

type scanResultEvent struct {
	RequestID string `json:"requestId" validate:"required,max=64"`
	RFIDTag   string `json:"rfidTag,omitempty" validate:"omitempty,rfidtag"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty" validate:"max=256"`
}

type dispenseAckEvent struct {
	RedemptionID string `json:"redemptionId" validate:"required,max=64"`
}

type dispenseCompleteEvent struct {
	RedemptionID string `json:"redemptionId" validate:"required,max=64"`
}

type dispenseErrorEvent struct {
	RedemptionID string `json:"redemptionId" validate:"required,max=64"`
	Error        string `json:"error"`
}

// relayEvent is forwarded to admins as is.
type relayEvent struct {
	Name    string
	Payload map[string]any
}

type scanRequestEvent struct {
	MachineID string `json:"machineId" validate:"omitempty,machineid"`
	TimeoutMs int64  `json:"timeout" validate:"min=0"`
}

type scanCancelEvent struct{}

type commandEvent struct {
	MachineID string         `json:"machineId" validate:"required,machineid"`
	Command   string         `json:"command" validate:"required,max=64"`
	Params    map[string]any `json:"params"`
}

type pingEvent struct{}

// connectEvent is the CONNECT packet. An empty token means an anonymous connection that
// must identify with machine:register.
type connectEvent struct {
	Token string `json:"token"`
}

type closeEvent struct{}

// inbound is one decoded client frame, handed from the read loop to the dispatcher.
type inbound struct {
	Name      string
	Namespace string
	AckID     *int
	Body      any
	Err       error
}

var errMissingPayload = apperr.ErrInvalidInput.WithMessage("missing event payload")

func decodeArg[T any](args []json.RawMessage, required, check bool) (T, error) {
	var out T
	if len(args) == 0 || string(args[0]) == "null" {
		if required {
			return out, errMissingPayload
		}
		return out, nil
	}
	if err := json.Unmarshal(args[0], &out); err != nil {
		return out, apperr.ErrInvalidInput.WithMessage("malformed event payload")
	}
	if check {
		if err := validate.Struct(out); err != nil {
			return out, err
		}
	}
	return out, nil
}

var errUnknownEvent = errors.New("unknown event")

// decodeEvent maps a socket event packet onto the closed set of event types the hub
// understands.
func decodeEvent(pkt packet) inbound {
	name, args, err := pkt.event()
	if err != nil {
		return inbound{Name: "unknown", Err: apperr.ErrInvalidInput.WithMessage("malformed event packet")}
	}
	in := inbound{Name: name, Namespace: pkt.Namespace, AckID: pkt.AckID}
	switch name {
	case EventMachineRegister:
		in.Body, err = decodeArg[registerEvent](args, true, true)
	case EventMachineStatus:
		// fleet validates the heartbeat once the machine id is filled in
		in.Body, err = decodeArg[statusEvent](args, true, false)
	case EventScanResult:
		in.Body, err = decodeArg[scanResultEvent](args, true, true)
	case EventDispenseAck:
		in.Body, err = decodeArg[dispenseAckEvent](args, true, true)
	case EventDispenseComplete:
		in.Body, err = decodeArg[dispenseCompleteEvent](args, true, true)
	case EventDispenseError:
		in.Body, err = decodeArg[dispenseErrorEvent](args, true, true)
	case EventSensorData, EventTransactionUpdate:
		var payload map[string]any
		payload, err = decodeArg[map[string]any](args, true, false)
		in.Body = relayEvent{Name: name, Payload: payload}
	case EventScanRequest:
		in.Body, err = decodeArg[scanRequestEvent](args, false, true)
	case EventScanCancel:
		in.Body = scanCancelEvent{}
	case EventMachineCommand:
		in.Body, err = decodeArg[commandEvent](args, true, true)
	case EventPing:
		in.Body = pingEvent{}
	default:
		err = errUnknownEvent
	}
	in.Err = err
	return in
}
