//go:build tools

// Package lingo_chat pins mockgen, run by the go:generate directives of contract/.
package lingo_chat

import (
	_ "go.uber.org/mock/mockgen"
)
