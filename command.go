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

// Command is a correlated message requesting an action.
//
// A command name should 1) be in present tense and 2) contain the intent
// (MoveCustomer vs CorrectCustomerAddress). A command is dispatched exactly
// once and answered by exactly one terminal CommandResponse.
type Command interface {
	Correlated

	// Cancelable reports whether the command supports cooperative
	// cancellation. The bus only propagates cancellation of the dispatch
	// context into the handler for cancelable commands.
	Cancelable() bool
}

// CommandBase is an embeddable base for concrete command types.
//
// A typical command:
//
//	type Deposit struct {
//	    sourcebus.CommandBase
//
//	    Account uuid.UUID `json:"account"`
//	    Amount  int64     `json:"amount"`
//	}
//
//	func (Deposit) MessageType() sourcebus.MessageType { return DepositType }
type CommandBase struct {
	CorrelationRoot

	AllowCancel bool `json:"-" bson:"-"`
}

// NewCommandBase creates the base of a command caused by source.
func NewCommandBase(source Correlated) CommandBase {
	return CommandBase{CorrelationRoot: NewCorrelationFrom(source)}
}

// NewRootCommandBase creates the base of a command that starts a new causal
// chain, typically one issued directly by a caller.
func NewRootCommandBase() CommandBase {
	return CommandBase{CorrelationRoot: NewRootCorrelation()}
}

// Cancelable implements the Cancelable method of the Command interface.
func (c CommandBase) Cancelable() bool {
	return c.AllowCancel
}

// AckCommand is published by the bus when a command has been received, before
// its handler runs. It signals receipt, not completion.
type AckCommand struct {
	CorrelationRoot

	CommandID   uuid.UUID   `json:"command_id"`
	CommandType MessageType `json:"command_type"`
}

// NewAckCommand creates an AckCommand for a received command.
func NewAckCommand(cmd Command) *AckCommand {
	return &AckCommand{
		CorrelationRoot: NewCorrelationFrom(cmd),
		CommandID:       cmd.MsgID(),
		CommandType:     cmd.MessageType(),
	}
}

// MessageType implements the MessageType method of the Message interface.
func (a *AckCommand) MessageType() MessageType {
	return MessageTypeAckCommand
}
