package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/wahyuard/zenith/pkg/zenith/observability"
	"github.com/wahyuard/zenith/pkg/zenith/route"
)

// ErrNoHost is returned for plugin commands when the engine was built
// without a plugin host.
var ErrNoHost = errors.New("engine: no plugin host configured")

// CommandType identifies a control-plane command.
type CommandType string

// Control commands accepted by OnControlCommand.
const (
	CommandPluginLoad    CommandType = "plugin-load"
	CommandPluginReplace CommandType = "plugin-replace"
	CommandPluginUnload  CommandType = "plugin-unload"
	CommandRouteAdd      CommandType = "route-add"
	CommandRouteRemove   CommandType = "route-remove"
	CommandPause         CommandType = "pause"
	CommandResume        CommandType = "resume"
)

// Command is one control-plane request. Which fields matter depends on
// Type: plugin commands use PluginName and Bytecode, route commands use
// SourceID plus Channel (add) or ChannelID (remove).
type Command struct {
	Type       CommandType
	PluginName string
	Bytecode   []byte
	SourceID   uint32
	Channel    *route.Channel
	ChannelID  uuid.UUID
}

// Pause suspends the consumer. Producers keep pushing until the ring
// fills; nothing is dropped.
func (e *Engine) Pause() {
	e.paused.Store(true)
}

// Resume wakes a paused consumer.
func (e *Engine) Resume() {
	if !e.paused.CompareAndSwap(true, false) {
		return
	}
	select {
	case e.resumeCh <- struct{}{}:
	default:
	}
}

// Paused reports whether the consumer is suspended.
func (e *Engine) Paused() bool { return e.paused.Load() }

// OnControlCommand applies one control-plane command. Control traffic
// is rare and synchronous; the data path never waits on it.
func (e *Engine) OnControlCommand(ctx context.Context, cmd Command) error {
	switch cmd.Type {
	case CommandPluginLoad:
		if e.host == nil {
			return ErrNoHost
		}
		p, err := e.host.Load(ctx, cmd.PluginName, cmd.Bytecode)
		if err != nil {
			return err
		}
		observability.LogPluginLoaded(e.logger, p.Name(), p.Info().ABIVersion, len(cmd.Bytecode))
		return nil

	case CommandPluginReplace:
		if e.host == nil {
			return ErrNoHost
		}
		p, err := e.host.Replace(ctx, cmd.PluginName, cmd.Bytecode)
		if err != nil {
			return err
		}
		observability.LogPluginLoaded(e.logger, p.Name(), p.Info().ABIVersion, len(cmd.Bytecode))
		return nil

	case CommandPluginUnload:
		if e.host == nil {
			return ErrNoHost
		}
		if err := e.host.Unload(ctx, cmd.PluginName); err != nil {
			return err
		}
		observability.LogPluginUnloaded(e.logger, cmd.PluginName)
		return nil

	case CommandRouteAdd:
		if cmd.Channel == nil {
			return fmt.Errorf("engine: route-add requires a channel")
		}
		e.router.Add(cmd.SourceID, cmd.Channel)
		observability.LogRouteChange(e.logger, "add", cmd.SourceID, cmd.Channel.Name())
		return nil

	case CommandRouteRemove:
		e.router.Remove(cmd.SourceID, cmd.ChannelID)
		observability.LogRouteChange(e.logger, "remove", cmd.SourceID, cmd.ChannelID.String())
		return nil

	case CommandPause:
		e.Pause()
		return nil

	case CommandResume:
		e.Resume()
		return nil

	default:
		return fmt.Errorf("engine: unknown command type %q", cmd.Type)
	}
}
