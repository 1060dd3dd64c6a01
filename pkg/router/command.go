package router

import (
	"encoding/json"
	"fmt"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/model"
)

// Command is an administrative command accepted by a router. It is one of
// SplitCommand, MergeCommand, MoveCommand or RefreshCommand.
type Command interface {
	CommandNamespace() string
	Validate() error
	command()
}

// SplitCommand splits the chunk containing Find. With Middle set the chunk is
// split there, otherwise at the median key its shard reports.
type SplitCommand struct {
	OperationID string
	Namespace   string
	Find        model.Key
	Middle      model.Key
}

// MergeCommand merges every chunk between Min and Max. Both bounds must be
// chunk boundaries.
type MergeCommand struct {
	OperationID string
	Namespace   string
	Min         model.Key
	Max         model.Key
}

// MoveCommand moves the chunk containing Find to shard To.
type MoveCommand struct {
	OperationID string
	Namespace   string
	Find        model.Key
	To          string
}

// RefreshCommand forces a full reload of the router's routing info.
type RefreshCommand struct {
	Namespace string
}

func (c SplitCommand) CommandNamespace() string   { return c.Namespace }
func (c MergeCommand) CommandNamespace() string   { return c.Namespace }
func (c MoveCommand) CommandNamespace() string    { return c.Namespace }
func (c RefreshCommand) CommandNamespace() string { return c.Namespace }

func (SplitCommand) command()   {}
func (MergeCommand) command()   {}
func (MoveCommand) command()    {}
func (RefreshCommand) command() {}

func (c SplitCommand) Validate() error {
	if err := model.ValidateNamespace(c.Namespace); err != nil {
		return err
	}
	if len(c.Find) == 0 {
		return fmt.Errorf("%w: split needs a find key", common.ErrInvalidArgument)
	}
	if c.Middle != nil && len(c.Middle) != len(c.Find) {
		return fmt.Errorf("%w: middle %s and find %s differ in width", common.ErrInvalidSplitPoint, c.Middle, c.Find)
	}
	return nil
}

func (c MergeCommand) Validate() error {
	if err := model.ValidateNamespace(c.Namespace); err != nil {
		return err
	}
	_, err := model.NewChunkRange(c.Min, c.Max)
	return err
}

func (c MoveCommand) Validate() error {
	if err := model.ValidateNamespace(c.Namespace); err != nil {
		return err
	}
	if len(c.Find) == 0 {
		return fmt.Errorf("%w: move needs a find key", common.ErrInvalidArgument)
	}
	if c.To == "" {
		return fmt.Errorf("%w: move needs a destination shard", common.ErrInvalidArgument)
	}
	return nil
}

func (c RefreshCommand) Validate() error {
	return model.ValidateNamespace(c.Namespace)
}

// rawCommand is the JSON form of every command. The command name is the key
// holding the namespace, e.g. {"moveChunk": "db.coll", "find": [10], "to": "shard1"}.
type rawCommand struct {
	Split       string      `json:"split"`
	MergeChunks string      `json:"mergeChunks"`
	MoveChunk   string      `json:"moveChunk"`
	Refresh     string      `json:"flushRouterConfig"`
	OperationID string      `json:"operationId"`
	Find        model.Key   `json:"find"`
	Middle      model.Key   `json:"middle"`
	Bounds      []model.Key `json:"bounds"`
	To          string      `json:"to"`
}

// DecodeCommand parses and validates a JSON command.
func DecodeCommand(payload []byte) (Command, error) {
	var raw rawCommand
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidArgument, err)
	}
	var cmds []Command
	if raw.Split != "" {
		cmds = append(cmds, SplitCommand{OperationID: raw.OperationID, Namespace: raw.Split, Find: raw.Find, Middle: raw.Middle})
	}
	if raw.MergeChunks != "" {
		if len(raw.Bounds) != 2 {
			return nil, fmt.Errorf("%w: mergeChunks needs two bounds", common.ErrInvalidArgument)
		}
		cmds = append(cmds, MergeCommand{OperationID: raw.OperationID, Namespace: raw.MergeChunks, Min: raw.Bounds[0], Max: raw.Bounds[1]})
	}
	if raw.MoveChunk != "" {
		cmds = append(cmds, MoveCommand{OperationID: raw.OperationID, Namespace: raw.MoveChunk, Find: raw.Find, To: raw.To})
	}
	if raw.Refresh != "" {
		cmds = append(cmds, RefreshCommand{Namespace: raw.Refresh})
	}
	switch len(cmds) {
	case 0:
		return nil, common.ErrUnknownCommand
	case 1:
	default:
		return nil, fmt.Errorf("%w: more than one command name", common.ErrInvalidArgument)
	}
	if err := cmds[0].Validate(); err != nil {
		return nil, err
	}
	return cmds[0], nil
}
