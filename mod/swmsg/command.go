// Package swmsg defines the message contract between controlled pages and
// the cache lifecycle service: the commands pages may post and the events
// the service posts back.
package swmsg

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCommand is returned for messages matching no accepted command shape
var ErrUnknownCommand = errors.New("unknown command")

// CommandKind is the normalized command variant
type CommandKind int

const (
	CommandUnknown CommandKind = iota
	CommandSkipWaiting
	CommandShowNotification
	CommandSync
)

func (k CommandKind) String() string {
	switch k {
	case CommandSkipWaiting:
		return "skip-waiting"
	case CommandShowNotification:
		return "show-notification"
	case CommandSync:
		return "sync"
	default:
		return "unknown"
	}
}

// DefaultSyncTag is the background sync tag used by the liturgy pages
const DefaultSyncTag = "liturgia-sync"

// Command is a page message after normalization
type Command struct {
	Kind CommandKind

	// Title and Body are set for CommandShowNotification
	Title string
	Body  string

	// Tag is set for CommandSync
	Tag string
}

// rawMessage covers every accepted wire shape
type rawMessage struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Tag    string `json:"tag"`
}

// ParseCommand normalizes a page message into a Command.
//
// Both {"type":"SKIP_WAITING"} and {"action":"skipWaiting"} are skip-waiting
// commands; older and newer pages send either.
func ParseCommand(data []byte) (Command, error) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrUnknownCommand, err)
	}

	switch {
	case raw.Type == "SKIP_WAITING", raw.Action == "skipWaiting":
		return Command{Kind: CommandSkipWaiting}, nil

	case raw.Type == "SHOW_NOTIFICATION":
		return Command{
			Kind:  CommandShowNotification,
			Title: strings.TrimSpace(raw.Title),
			Body:  strings.TrimSpace(raw.Body),
		}, nil

	case raw.Type == "SYNC":
		tag := raw.Tag
		if tag == "" {
			tag = DefaultSyncTag
		}
		return Command{Kind: CommandSync, Tag: tag}, nil
	}

	return Command{}, fmt.Errorf("%w: type=%q action=%q", ErrUnknownCommand, raw.Type, raw.Action)
}
