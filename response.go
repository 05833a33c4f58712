// Copyright (c) 2024 - The Source Bus authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sourcebus

import (
	"github.com/sourcebus/sourcebus/uuid"
)

// ResponseStatus is the closed set of terminal outcomes of a command.
type ResponseStatus uint8

const (
	// StatusSucceeded is when the handler completed normally.
	StatusSucceeded ResponseStatus = iota
	// StatusFailed is when the handler returned or raised an error, or the
	// dispatch timed out.
	StatusFailed
	// StatusCanceled is when the dispatch was canceled before or during
	// handling. It is a failure subtype distinguishing a requested abort.
	StatusCanceled
)

// String implements the fmt.Stringer interface.
func (s ResponseStatus) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	}

	return "unknown"
}

// CommandResponse is the single terminal answer to a dispatched command.
// Exactly one is produced per command; it is returned to the caller and
// published on the bus for side observers.
type CommandResponse struct {
	CorrelationRoot

	CommandID   uuid.UUID      `json:"command_id"`
	CommandType MessageType    `json:"command_type"`
	Status      ResponseStatus `json:"status"`
	Err         error          `json:"-"`
}

// NewSuccess creates the response for a command that completed normally.
func NewSuccess(cmd Command) *CommandResponse {
	return newResponse(cmd, StatusSucceeded, nil)
}

// NewFail creates the response for a command that failed with err.
func NewFail(cmd Command, err error) *CommandResponse {
	return newResponse(cmd, StatusFailed, err)
}

// NewCanceled creates the response for a command whose dispatch was aborted.
func NewCanceled(cmd Command) *CommandResponse {
	return newResponse(cmd, StatusCanceled, ErrCanceled)
}

func newResponse(cmd Command, status ResponseStatus, err error) *CommandResponse {
	return &CommandResponse{
		CorrelationRoot: NewCorrelationFrom(cmd),
		CommandID:       cmd.MsgID(),
		CommandType:     cmd.MessageType(),
		Status:          status,
		Err:             err,
	}
}

// MessageType implements the MessageType method of the Message interface.
func (r *CommandResponse) MessageType() MessageType {
	return MessageTypeCommandResponse
}

// Succeeded reports whether the command completed normally.
func (r *CommandResponse) Succeeded() bool {
	return r.Status == StatusSucceeded
}

// Failed reports whether the command failed, including cancellation.
func (r *CommandResponse) Failed() bool {
	return r.Status != StatusSucceeded
}
