package server

import (
	"errors"
	"time"

	"dn-hedge-bot/internal/app"
	"dn-hedge-bot/internal/exec"
	"dn-hedge-bot/internal/safety"
	"dn-hedge-bot/internal/vault"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	CmdStartEngine   = "START_ENGINE"
	CmdStopEngine    = "STOP_ENGINE"
	CmdDeposit       = "DEPOSIT"
	CmdWithdraw      = "WITHDRAW"
	CmdOpenPosition  = "OPEN_POSITION"
	CmdClosePosition = "CLOSE_POSITION"
)

const (
	MsgCommandResult = "COMMAND_RESULT"
	MsgFundingUpdate = "FUNDING_UPDATE"
	MsgEngineStatus  = "ENGINE_STATUS"
	MsgEngineError   = "ENGINE_ERROR"
)

type Command struct {
	ID      string              `json:"id"`
	Type    string              `json:"type"`
	Payload jsoniter.RawMessage `json:"payload,omitempty"`
}

type StartEnginePayload struct {
	Mode string `json:"mode"`
}

type AmountPayload struct {
	Amount float64 `json:"amount"`
}

type OpenPositionPayload struct {
	Market string  `json:"market"`
	Size   float64 `json:"size"`
}

type ClosePositionPayload struct {
	Market string `json:"market"`
}

type CommandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Response struct {
	ID    string        `json:"id"`
	Type  string        `json:"type"`
	OK    bool          `json:"ok"`
	Error *CommandError `json:"error,omitempty"`
}

type Broadcast struct {
	Type    string      `json:"type"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload,omitempty"`
}

// classify maps engine errors to stable operator-facing codes. The message
// always carries the concrete reason (which gate, by how much).
func classify(err error) *CommandError {
	if err == nil {
		return nil
	}
	var violation *safety.Violation
	if errors.As(err, &violation) {
		return &CommandError{Code: "GATE_REJECTED", Message: err.Error()}
	}
	if errors.Is(err, vault.ErrTradingDisabled) {
		return &CommandError{Code: "TRADING_DISABLED", Message: err.Error()}
	}
	var unknown *exec.UnknownOutcomeError
	if errors.As(err, &unknown) {
		return &CommandError{Code: "UNKNOWN_OUTCOME", Message: err.Error()}
	}
	var rejected *exec.RejectedError
	if errors.As(err, &rejected) {
		return &CommandError{Code: "ORDER_REJECTED", Message: err.Error()}
	}
	if errors.Is(err, app.ErrAlreadyRunning) || errors.Is(err, app.ErrNotRunning) {
		return &CommandError{Code: "ENGINE_STATE", Message: err.Error()}
	}
	if errors.Is(err, ErrInvalidCommand) {
		return &CommandError{Code: "INVALID_COMMAND", Message: err.Error()}
	}
	if errors.Is(err, errTimeout) {
		return &CommandError{Code: "TIMEOUT", Message: err.Error()}
	}
	return &CommandError{Code: "INTERNAL", Message: err.Error()}
}
