package agent

import (
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("a2a-node")

// SetLogLevel adjusts the node logger. Valid levels are debug, info, warn, error.
func SetLogLevel(level string) error {
	if level == "" {
		return nil
	}
	return logging.SetLogLevel("a2a-node", level)
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
